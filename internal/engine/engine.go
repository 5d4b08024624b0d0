// Package engine wires blockcache, watcher, responder, store and admission
// into the single BlockProcessor spec.md §5 describes: one goroutine
// consuming a head subscription, driving every reducer forward, and
// dispatching the actions they emit. This mirrors the teacher's
// node/service.go ServiceContext: open durable stores first, construct
// dependent services against them, then start the head-driven loop.
package engine

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"gopkg.in/fatih/set.v0"

	"github.com/pisaresearch/pisa/internal/admission"
	"github.com/pisaresearch/pisa/internal/appointment"
	"github.com/pisaresearch/pisa/internal/blockcache"
	"github.com/pisaresearch/pisa/internal/chain"
	"github.com/pisaresearch/pisa/internal/config"
	"github.com/pisaresearch/pisa/internal/gasestimator"
	"github.com/pisaresearch/pisa/internal/perrors"
	"github.com/pisaresearch/pisa/internal/responder"
	"github.com/pisaresearch/pisa/internal/store"
	"github.com/pisaresearch/pisa/internal/watcher"
	"github.com/pisaresearch/pisa/log"
)

var logger = log.NewModuleLogger(log.Engine)

// Engine owns every long-lived component of a running tower: the durable
// store, the in-memory block cache, the Watcher and Responder reducers,
// and the admission pipeline customers submit jobs to.
type Engine struct {
	cfg *config.Config

	rpc   chain.RPC
	cache *blockcache.BlockCache

	store     *store.Store
	watcher   *watcher.Watcher
	responder *responder.Responder
	admission *admission.Pipeline

	lastHead    *chain.Block
	reorgSweeps *set.Set // head hashes (hex) already swept for missing re-enqueues
}

// New constructs an Engine against cfg and rpc, using key as the tower's
// one signing identity (spec.md §1's "multi-signer key management" is a
// named Non-goal, so New accepts exactly one key rather than a keystore).
// inspector may be nil; see admission.ChainStateInspector.
func New(ctx context.Context, cfg *config.Config, rpc chain.RPC, key *ecdsa.PrivateKey, inspector admission.ChainStateInspector) (*Engine, error) {
	st, err := store.Open(cfg.DataDir, 64, 64)
	if err != nil {
		return nil, perrors.Wrap(perrors.TransientIoError, err, "failed to open appointment store")
	}

	chainID := new(big.Int).SetUint64(cfg.ChainID)
	txSigner := responder.NewTxSigner(key)

	emptyNonce, err := rpc.GetTransactionCount(ctx, txSigner.Address(), "pending")
	if err != nil {
		st.Close()
		return nil, perrors.Wrap(perrors.TransientIoError, err, "failed to fetch wallet nonce at startup")
	}
	logger.Info("reconciled responder wallet nonce", "address", txSigner.Address(), "emptyNonce", emptyNonce)

	maxPrice, ok := new(big.Int).SetString(cfg.MaxGasPrice, 10)
	if !ok {
		st.Close()
		return nil, perrors.Newf(perrors.ConfigurationError, "maxGasPrice %q is not a valid decimal wei amount", cfg.MaxGasPrice)
	}
	estimator := gasestimator.New(cfg.GasCurveMaxBlocks, maxPrice, cfg.GasCurveMedianBlocks)

	resp := responder.New(chainID, txSigner, rpc, estimator, cfg.ConfirmationsBeforeForget, emptyNonce, cfg.ReplacementRate, int(cfg.MaxConcurrentResponses))

	wParams, err := watcher.NewParams(cfg.ConfirmationsBeforeResponse, cfg.ConfirmationsBeforeRemoval, cfg.BlockCacheDepth)
	if err != nil {
		st.Close()
		return nil, err
	}
	w := watcher.New(wParams)

	pipeline := admission.New(inspector, resp, st, appointment.NewSigner(key), cfg.MinimumChallengePeriod)

	cache := blockcache.New(cfg.BlockCacheDepth, cfg.BlockCacheSizeBytes())

	e := &Engine{
		cfg:         cfg,
		rpc:         rpc,
		cache:       cache,
		store:       st,
		watcher:     w,
		responder:   resp,
		admission:   pipeline,
		reorgSweeps: set.New(),
	}
	return e, nil
}

// Admit exposes the admission pipeline to whatever transport the deployment
// wires in front of it (spec.md §1 places the customer-facing surface
// outside this module's scope).
func (e *Engine) Admit(ctx context.Context, a *appointment.Appointment, currentBlock uint64) (*appointment.Receipt, error) {
	receipt, err := e.admission.Admit(ctx, a, currentBlock)
	if err != nil {
		return nil, err
	}
	if a.Mode == appointment.Watch {
		head := e.cache.Head()
		if head != nil {
			e.watcher.Track(a, e.cache, head)
		}
	}
	return receipt, nil
}

// Store exposes the durable appointment store for startup reconciliation
// and operator tooling.
func (e *Engine) Store() *store.Store { return e.store }

// Responder exposes the Responder for operator tooling and metrics.
func (e *Engine) Responder() *responder.Responder { return e.responder }

// ProcessHead is the BlockProcessor's single entry point, spec.md §5: add
// the new head to the cache, recover any appointments the store has but the
// watcher has not yet resumed (first tick after restart), drive every
// reducer forward, dispatch their actions, and sweep for reorg-dropped
// responses.
func (e *Engine) ProcessHead(ctx context.Context, head *chain.Block) error {
	if err := e.cache.Add(head); err != nil {
		return perrors.Wrap(perrors.TransientIoError, err, "failed to add head to block cache")
	}

	e.resumeTrackingFromStore(head)

	for _, action := range e.watcher.Process(e.cache, head) {
		switch action.Kind {
		case watcher.ActionStartResponse:
			if err := e.responder.StartResponse(ctx, action.Appointment, head.Number); err != nil {
				logger.Error("startResponse dispatch failed", "appointmentId", action.Appointment.ID, "err", err)
			}
		case watcher.ActionRemoveAppointment:
			if _, err := e.store.RemoveByID(action.Appointment.ID); err != nil {
				logger.Error("removeAppointment dispatch failed", "appointmentId", action.Appointment.ID, "err", err)
			}
		}
	}

	e.responder.Process(ctx, e.cache, head)

	e.sweepReorg(ctx, head)

	e.lastHead = head
	return nil
}

// resumeTrackingFromStore begins watching every stored appointment the
// Watcher does not already track, spec.md §9's startup-reconciliation note:
// a restart must not silently drop appointments the store still holds.
func (e *Engine) resumeTrackingFromStore(head *chain.Block) {
	for _, a := range e.store.GetAll() {
		if a.EndBlock < head.Number {
			continue
		}
		e.watcher.Track(a, e.cache, head)
	}
}

// sweepReorg detects whether the previous head fell off the canonical
// chain and, if so, re-enqueues every tracked-but-unqueued response,
// spec.md §9's reorg-triggered recovery note. Each head hash is swept at
// most once; the guard set is cleared once it grows past twice the
// retained depth so it never grows unbounded across a long-running process.
func (e *Engine) sweepReorg(ctx context.Context, head *chain.Block) {
	if e.lastHead == nil || e.cache.IsAncestor(head.Hash, e.lastHead.Hash) {
		return
	}

	key := fmt.Sprintf("%x", head.Hash)
	if e.reorgSweeps.Has(key) {
		return
	}
	e.reorgSweeps.Add(key)
	if e.reorgSweeps.Size() > int(2*e.cfg.BlockCacheDepth) {
		e.reorgSweeps.Clear()
	}

	logger.Warn("reorg detected, re-enqueuing missing responses", "previousHead", e.lastHead.Hash, "newHead", head.Hash)
	ids := e.responder.TrackedIDs()
	if err := e.responder.ReEnqueueMissingItems(ctx, ids, head.Number); err != nil {
		logger.Error("reorg re-enqueue failed", "err", err)
	}
}

// Close releases the durable store's backing log.
func (e *Engine) Close() error {
	return e.store.Close()
}
