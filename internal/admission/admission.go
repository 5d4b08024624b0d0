// Package admission implements the admission pipeline of spec.md §4.3:
// validate an inbound job, decide its route, persist it, and sign a
// receipt. Chain-state validation is a plug-in capability (spec.md §9's
// "capability abstraction" design note) so the core pipeline stays
// protocol-agnostic.
package admission

import (
	"context"
	"errors"

	"github.com/pisaresearch/pisa/internal/appointment"
	"github.com/pisaresearch/pisa/internal/perrors"
	"github.com/pisaresearch/pisa/internal/store"
	"github.com/pisaresearch/pisa/log"
)

var logger = log.NewModuleLogger(log.Admission)

// ChainStateInspector is the protocol-specific capability spec.md §4.3 step
// 3 names: contract code exists, the protocol's "channel is open" predicate
// holds, the supplied nonce/round exceeds the on-chain value, and all
// declared participants have signed the canonical digest. A concrete
// integration (out of this module's scope, spec.md §1) implements it.
type ChainStateInspector interface {
	Inspect(ctx context.Context, a *appointment.Appointment) error
}

// ResponseStarter is the response-building capability spec.md §9 names: the
// Responder satisfies it directly.
type ResponseStarter interface {
	StartResponse(ctx context.Context, a *appointment.Appointment, headNumber uint64) error
	DepthReached() bool
}

// AppointmentStore is the persistence capability admission depends on: the
// Store satisfies it directly.
type AppointmentStore interface {
	AddOrUpdateByLocator(a *appointment.Appointment) error
}

// Pipeline is the admission pipeline of spec.md §4.3.
type Pipeline struct {
	inspector              ChainStateInspector
	responder              ResponseStarter
	store                  AppointmentStore
	signer                 appointment.Signer
	minimumChallengePeriod uint64
}

// New constructs a Pipeline. inspector may be nil only for deployments with
// no protocol-specific chain-state checks (Relay-only integrations, say);
// Non-goals exclude building one into the core (spec.md §1).
func New(inspector ChainStateInspector, responder ResponseStarter, store AppointmentStore, signer appointment.Signer, minimumChallengePeriod uint64) *Pipeline {
	return &Pipeline{
		inspector:              inspector,
		responder:              responder,
		store:                  store,
		signer:                 signer,
		minimumChallengePeriod: minimumChallengePeriod,
	}
}

// Admit runs the four-step validation pipeline of spec.md §4.3 against a,
// then persists or starts a response and signs a receipt. currentBlock is
// the chain tip observed at validation time.
func (p *Pipeline) Admit(ctx context.Context, a *appointment.Appointment, currentBlock uint64) (*appointment.Receipt, error) {
	if err := p.validateStructural(a); err != nil {
		return nil, err
	}
	if err := p.validateTimeWindow(a, currentBlock); err != nil {
		return nil, err
	}
	if p.inspector != nil {
		if err := p.inspector.Inspect(ctx, a); err != nil {
			return nil, perrors.Wrap(perrors.PublicInspectionError, err, "chain state validation failed")
		}
	}
	if a.Mode == appointment.Relay && p.responder.DepthReached() {
		return nil, perrors.New(perrors.PublicValidationError, "responder queue is at capacity")
	}

	switch a.Mode {
	case appointment.Relay:
		// StartResponse already classifies AlreadyAdded as a
		// PublicValidationError (spec.md §4.3's "surface as a public
		// validation error"); propagate as-is.
		if err := p.responder.StartResponse(ctx, a, currentBlock); err != nil {
			return nil, err
		}
	default:
		if err := p.store.AddOrUpdateByLocator(a); err != nil {
			if errors.Is(err, store.ErrJobIDTooLow) {
				return nil, perrors.Wrap(perrors.PublicValidationError, err, "a newer appointment already covers this locator")
			}
			return nil, err
		}
	}

	receipt, err := appointment.Sign(a, p.signer)
	if err != nil {
		return nil, perrors.Wrap(perrors.TransientIoError, err, "failed to sign receipt")
	}
	logger.Info("admitted appointment", "id", a.ID, "locator", a.Locator(), "mode", a.Mode)
	return receipt, nil
}

// validateStructural is spec.md §4.3 step 1: required fields present,
// addresses well-formed, numeric ranges non-negative, byte arrays of
// declared lengths. The fixed-width unsigned types in Appointment already
// guarantee non-negativity; this layer checks the remaining well-formedness
// the wire decoder doesn't.
func (p *Pipeline) validateStructural(a *appointment.Appointment) error {
	if err := a.Validate(); err != nil {
		return perrors.Wrap(perrors.PublicValidationError, err, "invalid appointment")
	}
	zero := [20]byte{}
	if a.ContractAddress == zero {
		return perrors.New(perrors.PublicValidationError, "contractAddress must not be the zero address")
	}
	if a.ChallengePeriod < p.minimumChallengePeriod {
		return perrors.New(perrors.PublicValidationError, "challengePeriod is below the configured minimum")
	}
	return nil
}

// validateTimeWindow is spec.md §4.3 step 2: startBlock <= currentBlock <=
// endBlock, and the remaining window covers the challenge period.
func (p *Pipeline) validateTimeWindow(a *appointment.Appointment, currentBlock uint64) error {
	if a.StartBlock > currentBlock || currentBlock > a.EndBlock {
		return perrors.New(perrors.PublicValidationError, "currentBlock is outside the appointment's [startBlock, endBlock] window")
	}
	if a.EndBlock-currentBlock < a.ChallengePeriod {
		return perrors.New(perrors.PublicValidationError, "remaining window is shorter than the challenge period")
	}
	return nil
}
