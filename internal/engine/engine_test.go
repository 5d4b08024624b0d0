package engine

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pisaresearch/pisa/internal/appointment"
	"github.com/pisaresearch/pisa/internal/chain"
	"github.com/pisaresearch/pisa/internal/config"
)

func testKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

func newTestEngine(t *testing.T, ctrl *gomock.Controller) (*Engine, *chain.MockRPC) {
	t.Helper()
	rpc := chain.NewMockRPC(ctrl)
	rpc.EXPECT().GetTransactionCount(gomock.Any(), gomock.Any(), "pending").Return(uint64(0), nil)

	cfg := config.Default()
	cfg.ResponderAddresses = []string{"0xabc"}
	cfg.DataDir = filepath.Join(t.TempDir(), "db")
	cfg.MinimumChallengePeriod = 10
	cfg.ConfirmationsBeforeResponse = 2
	cfg.ConfirmationsBeforeRemoval = 5
	cfg.BlockCacheDepth = 50

	e, err := New(context.Background(), cfg, rpc, testKey(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e, rpc
}

func testHead(number uint64, hash, parent common.Hash, logs []chain.Log) *chain.Block {
	return &chain.Block{Hash: hash, ParentHash: parent, Number: number, Logs: logs}
}

func hashN(n byte) common.Hash { return common.BytesToHash([]byte{n}) }

func TestEngineTracksAdmittedWatchAppointmentAcrossHeads(t *testing.T) {
	ctrl := gomock.NewController(t)
	e, _ := newTestEngine(t, ctrl)

	genesis := testHead(0, hashN(0), common.Hash{}, nil)
	require.NoError(t, e.ProcessHead(context.Background(), genesis))

	filter := chain.EventFilter{Address: common.HexToAddress("0xbeef"), Topics: []common.Hash{common.HexToHash("0x1")}}
	a := &appointment.Appointment{
		ID:              1,
		ContractAddress: common.HexToAddress("0xbeef"),
		Data:            []byte{0x01},
		GasLimit:        21000,
		Value:           big.NewInt(0),
		Refund:          big.NewInt(0),
		EventFilter:     filter,
		StartBlock:      0,
		EndBlock:        1000,
		ChallengePeriod: 20,
		Mode:            appointment.Watch,
	}
	_, err := e.Admit(context.Background(), a, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, e.watcher.Len())

	matchingLog := chain.Log{Address: filter.Address, Topics: filter.Topics}
	h1 := testHead(1, hashN(1), hashN(0), []chain.Log{matchingLog})
	require.NoError(t, e.ProcessHead(context.Background(), h1))

	_, ok := e.store.GetByID(1)
	require.True(t, ok, "watch-mode appointment must be persisted on admission")
}

func TestEngineResumesTrackingFromStoreAfterRestart(t *testing.T) {
	ctrl := gomock.NewController(t)
	e, _ := newTestEngine(t, ctrl)

	genesis := testHead(0, hashN(0), common.Hash{}, nil)
	require.NoError(t, e.ProcessHead(context.Background(), genesis))

	a := &appointment.Appointment{
		ID:              1,
		ContractAddress: common.HexToAddress("0xbeef"),
		Data:            []byte{0x01},
		GasLimit:        21000,
		Value:           big.NewInt(0),
		Refund:          big.NewInt(0),
		StartBlock:      0,
		EndBlock:        1000,
		ChallengePeriod: 20,
		Mode:            appointment.Watch,
	}
	require.NoError(t, e.store.AddOrUpdateByLocator(a))
	assert.Equal(t, 0, e.watcher.Len(), "not yet tracked until a head tick resumes it")

	h1 := testHead(1, hashN(1), hashN(0), nil)
	require.NoError(t, e.ProcessHead(context.Background(), h1))
	assert.Equal(t, 1, e.watcher.Len())
}

func TestEngineExpiredAppointmentNotResumed(t *testing.T) {
	ctrl := gomock.NewController(t)
	e, _ := newTestEngine(t, ctrl)

	a := &appointment.Appointment{
		ID:              1,
		ContractAddress: common.HexToAddress("0xbeef"),
		Data:            []byte{0x01},
		GasLimit:        21000,
		Value:           big.NewInt(0),
		Refund:          big.NewInt(0),
		StartBlock:      0,
		EndBlock:        5,
		ChallengePeriod: 1,
		Mode:            appointment.Watch,
	}
	require.NoError(t, e.store.AddOrUpdateByLocator(a))

	h := testHead(10, hashN(10), common.Hash{}, nil)
	require.NoError(t, e.ProcessHead(context.Background(), h))
	assert.Equal(t, 0, e.watcher.Len())
}
