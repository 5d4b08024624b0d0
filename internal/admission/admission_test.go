package admission

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pisaresearch/pisa/internal/appointment"
	"github.com/pisaresearch/pisa/internal/chain"
	"github.com/pisaresearch/pisa/internal/store"
)

type stubInspector struct{ err error }

func (s stubInspector) Inspect(ctx context.Context, a *appointment.Appointment) error { return s.err }

type stubResponder struct {
	depthReached bool
	startErr     error
	started      []*appointment.Appointment
}

func (s *stubResponder) DepthReached() bool { return s.depthReached }
func (s *stubResponder) StartResponse(ctx context.Context, a *appointment.Appointment, headNumber uint64) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.started = append(s.started, a)
	return nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "db"), 16, 16)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testSigner(t *testing.T) appointment.Signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return appointment.NewSigner(key)
}

func watchAppointment(id, customerID, jobID uint64, locatorSeed byte) *appointment.Appointment {
	return &appointment.Appointment{
		ID:              id,
		CustomerID:      customerID,
		JobID:           jobID,
		ContractAddress: common.HexToAddress("0x1234"),
		Data:            []byte{0x01},
		GasLimit:        21000,
		Value:           big.NewInt(0),
		Refund:          big.NewInt(0),
		EventFilter: chain.EventFilter{
			Address: common.HexToAddress("0x1234"),
			Topics:  []common.Hash{common.BytesToHash([]byte{locatorSeed})},
		},
		StartBlock:      1,
		EndBlock:        1000,
		ChallengePeriod: 20,
		Mode:            appointment.Watch,
	}
}

func TestAdmitStructuralRejectsStartAfterEnd(t *testing.T) {
	s := openTestStore(t)
	p := New(nil, &stubResponder{}, s, testSigner(t), 10)

	a := watchAppointment(1, 7, 3, 0xaa)
	a.StartBlock, a.EndBlock = 100, 50
	_, err := p.Admit(context.Background(), a, 60)
	assert.Error(t, err)
}

func TestAdmitRejectsChallengePeriodBelowMinimum(t *testing.T) {
	s := openTestStore(t)
	p := New(nil, &stubResponder{}, s, testSigner(t), 25)

	a := watchAppointment(1, 7, 3, 0xaa)
	_, err := p.Admit(context.Background(), a, 60)
	assert.Error(t, err)
}

func TestAdmitRejectsOutOfWindow(t *testing.T) {
	s := openTestStore(t)
	p := New(nil, &stubResponder{}, s, testSigner(t), 10)

	a := watchAppointment(1, 7, 3, 0xaa)
	_, err := p.Admit(context.Background(), a, 2000) // past endBlock
	assert.Error(t, err)
}

func TestAdmitRejectsInsufficientChallengeWindow(t *testing.T) {
	s := openTestStore(t)
	p := New(nil, &stubResponder{}, s, testSigner(t), 10)

	a := watchAppointment(1, 7, 3, 0xaa)
	a.ChallengePeriod = 20
	_, err := p.Admit(context.Background(), a, 990) // only 10 blocks remain, need 20
	assert.Error(t, err)
}

func TestAdmitPropagatesInspectorFailure(t *testing.T) {
	s := openTestStore(t)
	p := New(stubInspector{err: assertError{"closed channel"}}, &stubResponder{}, s, testSigner(t), 10)

	a := watchAppointment(1, 7, 3, 0xaa)
	_, err := p.Admit(context.Background(), a, 60)
	assert.Error(t, err)
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }

func TestAdmitWatchModePersistsAndSigns(t *testing.T) {
	s := openTestStore(t)
	p := New(nil, &stubResponder{}, s, testSigner(t), 10)

	a := watchAppointment(1, 7, 3, 0xaa)
	receipt, err := p.Admit(context.Background(), a, 60)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.NotEmpty(t, receipt.Signature)

	got, ok := s.GetByID(1)
	require.True(t, ok)
	assert.Equal(t, uint64(3), got.JobID)
}

// Scenario 3: job replacement.
func TestAdmitJobReplacementScenario(t *testing.T) {
	s := openTestStore(t)
	p := New(nil, &stubResponder{}, s, testSigner(t), 10)

	first := watchAppointment(1, 7, 3, 0xaa)
	_, err := p.Admit(context.Background(), first, 60)
	require.NoError(t, err)

	lower := watchAppointment(2, 7, 2, 0xaa)
	_, err = p.Admit(context.Background(), lower, 60)
	assert.ErrorIs(t, err, store.ErrJobIDTooLow)

	higher := watchAppointment(3, 7, 4, 0xaa)
	_, err = p.Admit(context.Background(), higher, 60)
	require.NoError(t, err)

	_, ok := s.GetByID(1)
	assert.False(t, ok, "superseded appointment must be gone")
	got, ok := s.GetByID(3)
	require.True(t, ok)
	assert.Equal(t, uint64(4), got.JobID)
}

func TestAdmitRelayModeStartsResponse(t *testing.T) {
	s := openTestStore(t)
	responder := &stubResponder{}
	p := New(nil, responder, s, testSigner(t), 10)

	a := watchAppointment(1, 7, 3, 0xaa)
	a.Mode = appointment.Relay
	_, err := p.Admit(context.Background(), a, 60)
	require.NoError(t, err)
	assert.Len(t, responder.started, 1)

	_, ok := s.GetByID(1)
	assert.False(t, ok, "relay mode must not persist to the store")
}

func TestAdmitRelayModeRejectsAtQueueCapacity(t *testing.T) {
	s := openTestStore(t)
	responder := &stubResponder{depthReached: true}
	p := New(nil, responder, s, testSigner(t), 10)

	a := watchAppointment(1, 7, 3, 0xaa)
	a.Mode = appointment.Relay
	_, err := p.Admit(context.Background(), a, 60)
	assert.Error(t, err)
	assert.Empty(t, responder.started)
}
