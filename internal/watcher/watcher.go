// Package watcher implements the Watcher of spec.md §4.4: a pure
// per-appointment state reducer plus a side-effect dispatcher, driven once
// per head by the engine's BlockProcessor. Reducers never suspend and
// always return a state (spec.md §5/§7); Process takes a consistent
// BlockCache read snapshot and returns the actions a dispatcher routes to
// the Responder and the Store.
package watcher

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pisaresearch/pisa/internal/appointment"
	"github.com/pisaresearch/pisa/internal/blockcache"
	"github.com/pisaresearch/pisa/internal/chain"
	"github.com/pisaresearch/pisa/internal/perrors"
	"github.com/pisaresearch/pisa/log"
)

var logger = log.NewModuleLogger(log.Watcher)

// Kind is the per-appointment reducer state of spec.md §4.4.
type Kind int

const (
	Watching Kind = iota
	Observed
)

func (k Kind) String() string {
	if k == Observed {
		return "Observed"
	}
	return "Watching"
}

// State is {kind, blockObserved}. Observed is terminal within the reducer,
// spec.md §4.4 — except a reorg that invalidates the block an observation
// rests on before any response has started, spec.md §8 scenario 2.
type State struct {
	Kind          Kind
	BlockObserved uint64
	refHash       common.Hash
}

// ActionKind distinguishes the two actions spec.md §4.4 generates.
type ActionKind int

const (
	ActionStartResponse ActionKind = iota
	ActionRemoveAppointment
)

// Action is one unit of work for the dispatcher: StartResponse goes to the
// Responder, RemoveAppointment goes to the Store, spec.md §4.4.
type Action struct {
	Kind          ActionKind
	Appointment   *appointment.Appointment
	BlockObserved uint64 // valid when Kind == ActionStartResponse
}

// Params are the Watcher's construction-time thresholds.
type Params struct {
	ConfirmationsBeforeResponse uint64
	ConfirmationsBeforeRemoval  uint64
	Retention                   uint64
}

// NewParams validates confirmationsBeforeResponse <= confirmationsBeforeRemoval,
// spec.md §4.4's construction invariant. Violating it is a ConfigurationError,
// fatal at startup per spec.md §7.
func NewParams(confirmationsBeforeResponse, confirmationsBeforeRemoval, retention uint64) (Params, error) {
	if confirmationsBeforeResponse > confirmationsBeforeRemoval {
		return Params{}, perrors.New(perrors.ConfigurationError, "confirmationsBeforeResponse must be <= confirmationsBeforeRemoval")
	}
	return Params{
		ConfirmationsBeforeResponse: confirmationsBeforeResponse,
		ConfirmationsBeforeRemoval:  confirmationsBeforeRemoval,
		Retention:                   retention,
	}, nil
}

type tracked struct {
	appt        *appointment.Appointment
	state       State
	startFired  bool
	removeFired bool
}

// Watcher holds per-appointment reducer state across heads.
type Watcher struct {
	mu     sync.Mutex
	params Params
	byID   map[uint64]*tracked
}

// New constructs a Watcher with no tracked appointments.
func New(params Params) *Watcher {
	return &Watcher{params: params, byID: make(map[uint64]*tracked)}
}

func matchesAny(filter chain.EventFilter, logs []chain.Log) bool {
	for _, l := range logs {
		if filter.Matches(l) {
			return true
		}
	}
	return false
}

func (w *Watcher) floor(a *appointment.Appointment, headNumber uint64) uint64 {
	retentionFloor := uint64(0)
	if headNumber > w.params.Retention {
		retentionFloor = headNumber - w.params.Retention
	}
	if a.StartBlock > retentionFloor {
		return a.StartBlock
	}
	return retentionFloor
}

// initialState implements spec.md §4.4's "Initial state at block B": walk
// the BlockCache from head toward root, stopping at the earlier of
// max(a.StartBlock, head.Number-retention); the first ancestor with a
// matching log sets Observed, otherwise Watching.
func (w *Watcher) initialState(a *appointment.Appointment, cache *blockcache.BlockCache, head *chain.Block) State {
	floor := w.floor(a, head.Number)
	b, ok := cache.FindAncestor(head.Hash, func(b *chain.Block) bool {
		return matchesAny(a.EventFilter, b.Logs)
	}, floor)
	if ok {
		return State{Kind: Observed, BlockObserved: b.Number, refHash: b.Hash}
	}
	return State{Kind: Watching, refHash: head.Hash}
}

// Track begins watching a newly admitted appointment, deriving its initial
// state against the current head. Re-tracking an already-tracked id is a
// no-op.
func (w *Watcher) Track(a *appointment.Appointment, cache *blockcache.BlockCache, head *chain.Block) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.byID[a.ID]; ok {
		return
	}
	w.byID[a.ID] = &tracked{appt: a, state: w.initialState(a, cache, head)}
}

// Untrack stops watching an appointment without emitting RemoveAppointment,
// used when the Store independently reports the id gone (e.g. evicted by
// another path).
func (w *Watcher) Untrack(id uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.byID, id)
}

// step advances a Watching item to head, tolerating skipped intermediate
// heads (spec.md §5) by walking the BlockCache from head back to the
// item's last-processed reference block and checking every intervening
// block's logs, not just head's. If the reference block is no longer
// findable on the walk back to this appointment's floor, the chain has
// reorganized out from under it; re-derive from scratch.
func (w *Watcher) step(t *tracked, cache *blockcache.BlockCache, head *chain.Block) State {
	if t.state.refHash == head.Hash {
		return t.state
	}

	floor := w.floor(t.appt, head.Number)
	var matched *chain.Block
	foundRef := false

	it := cache.Ancestry(head.Hash)
	for {
		b, ok := it.Next()
		if !ok {
			break
		}
		if b.Hash == t.state.refHash {
			foundRef = true
			break
		}
		if b.Number < floor {
			break
		}
		if matchesAny(t.appt.EventFilter, b.Logs) {
			matched = b
		}
	}

	if !foundRef {
		return w.initialState(t.appt, cache, head)
	}
	if matched != nil {
		return State{Kind: Observed, BlockObserved: matched.Number, refHash: matched.Hash}
	}
	return State{Kind: Watching, refHash: head.Hash}
}

// Process drives every tracked appointment to head and returns the actions
// to dispatch. It is the engine's single entry point per head; reducers
// never propagate errors (spec.md §7), so Process has no error return.
func (w *Watcher) Process(cache *blockcache.BlockCache, head *chain.Block) []Action {
	w.mu.Lock()
	defer w.mu.Unlock()

	var actions []Action
	for id, t := range w.byID {
		if t.state.Kind == Watching {
			t.state = w.step(t, cache, head)
		} else if !t.startFired && !cache.IsAncestor(head.Hash, t.state.refHash) {
			// Observed, but not yet dispatched, and the block it rests on
			// was reorganized away: re-derive on the new canonical chain
			// rather than firing on a branch that no longer exists.
			t.state = w.initialState(t.appt, cache, head)
		}
		curr := t.state

		if curr.Kind == Observed {
			age := head.Number - curr.BlockObserved + 1
			if !t.startFired && age >= w.params.ConfirmationsBeforeResponse {
				actions = append(actions, Action{Kind: ActionStartResponse, Appointment: t.appt, BlockObserved: curr.BlockObserved})
				t.startFired = true
			}
			if !t.removeFired && age >= w.params.ConfirmationsBeforeRemoval {
				actions = append(actions, Action{Kind: ActionRemoveAppointment, Appointment: t.appt})
				t.removeFired = true
				delete(w.byID, id)
			}
			continue
		}

		if head.Number > t.appt.EndBlock && head.Number-t.appt.EndBlock > w.params.ConfirmationsBeforeRemoval {
			if !t.removeFired {
				actions = append(actions, Action{Kind: ActionRemoveAppointment, Appointment: t.appt})
				t.removeFired = true
				delete(w.byID, id)
			}
		}
	}
	return actions
}

// Len reports the number of currently tracked appointments, for metrics and
// tests.
func (w *Watcher) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.byID)
}
