package responder

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pisaresearch/pisa/internal/appointment"
	"github.com/pisaresearch/pisa/internal/chain"
	"github.com/pisaresearch/pisa/internal/gasestimator"
)

func testKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

func testAppointment(t *testing.T, id uint64, endBlock uint64) *appointment.Appointment {
	t.Helper()
	return &appointment.Appointment{
		ID:              id,
		ContractAddress: common.HexToAddress("0xdead"),
		Data:            []byte{byte(id)},
		GasLimit:        21000,
		Value:           big.NewInt(0),
		Refund:          big.NewInt(0),
		StartBlock:      1,
		EndBlock:        endBlock,
	}
}

func newTestResponder(t *testing.T, ctrl *gomock.Controller, emptyNonce uint64) (*Responder, *chain.MockRPC) {
	t.Helper()
	rpc := chain.NewMockRPC(ctrl)
	estimator := gasestimator.New(10, big.NewInt(100_000_000_000), 1000)
	r := New(big.NewInt(1), NewTxSigner(testKey(t)), rpc, estimator, 12, emptyNonce, 0.1, 10)
	return r, rpc
}

func TestStartResponseQueuesAndBroadcasts(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, rpc := newTestResponder(t, ctrl, 10)

	rpc.EXPECT().GetGasPrice(gomock.Any()).Return(big.NewInt(1_000_000_000), nil)
	rpc.EXPECT().SendTransaction(gomock.Any(), gomock.Any()).Return(nil)

	a := testAppointment(t, 1, 1000)
	require.NoError(t, r.StartResponse(context.Background(), a, 5))

	head, ok := r.Queue().Head()
	require.True(t, ok)
	assert.Equal(t, uint64(10), head.Nonce)
}

func TestStartResponseRejectsDuplicate(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, rpc := newTestResponder(t, ctrl, 10)

	rpc.EXPECT().GetGasPrice(gomock.Any()).Return(big.NewInt(1_000_000_000), nil).Times(2)
	rpc.EXPECT().SendTransaction(gomock.Any(), gomock.Any()).Return(nil)

	a := testAppointment(t, 1, 1000)
	require.NoError(t, r.StartResponse(context.Background(), a, 5))
	err := r.StartResponse(context.Background(), a, 5)
	assert.Error(t, err)
}

func TestTxMinedOutOfOrderScenario(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, rpc := newTestResponder(t, ctrl, 10)

	rpc.EXPECT().GetGasPrice(gomock.Any()).Return(big.NewInt(1_000_000_000), nil).Times(2)
	rpc.EXPECT().SendTransaction(gomock.Any(), gomock.Any()).Return(nil).Times(3) // A, B, and A' rebroadcast

	a := testAppointment(t, 1, 1000)
	b := testAppointment(t, 2, 1000)
	require.NoError(t, r.StartResponse(context.Background(), a, 5)) // A@10
	require.NoError(t, r.StartResponse(context.Background(), b, 5)) // B@11 (equal ideal price: same spot, same estimator, so B appends behind A)

	idA := identifierFor(r.chainID, a)

	// Node mined B at nonce 10 (a prior replacement of A).
	idB := identifierFor(r.chainID, b)
	require.NoError(t, r.TxMined(context.Background(), idB, 10))

	head, ok := r.Queue().Head()
	require.True(t, ok)
	assert.True(t, head.Request.Identifier.Equal(idA))
	assert.Equal(t, uint64(11), head.Nonce)
}

func TestTxMinedRejectsWrongNonce(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, rpc := newTestResponder(t, ctrl, 10)

	rpc.EXPECT().GetGasPrice(gomock.Any()).Return(big.NewInt(1_000_000_000), nil)
	rpc.EXPECT().SendTransaction(gomock.Any(), gomock.Any()).Return(nil)

	a := testAppointment(t, 1, 1000)
	require.NoError(t, r.StartResponse(context.Background(), a, 5))

	idA := identifierFor(r.chainID, a)
	err := r.TxMined(context.Background(), idA, 999)
	assert.Error(t, err)
}

func TestTxMinedRejectsOnEmptyQueue(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, _ := newTestResponder(t, ctrl, 10)

	a := testAppointment(t, 1, 1000)
	err := r.TxMined(context.Background(), identifierFor(r.chainID, a), 10)
	assert.Error(t, err)
}

func TestEndResponseDropsTracking(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, rpc := newTestResponder(t, ctrl, 10)

	rpc.EXPECT().GetGasPrice(gomock.Any()).Return(big.NewInt(1_000_000_000), nil)
	rpc.EXPECT().SendTransaction(gomock.Any(), gomock.Any()).Return(nil)

	a := testAppointment(t, 1, 1000)
	require.NoError(t, r.StartResponse(context.Background(), a, 5))

	r.EndResponse(1)
	_, ok := r.tracked[1]
	assert.False(t, ok)
}
