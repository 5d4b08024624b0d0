// Package responder implements the Responder and its mined-transaction
// reducer of spec.md §4.5: the component owning one signing key, driving a
// GasQueue forward as response requests arrive and confirmations land.
package responder

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pborman/uuid"

	"github.com/pisaresearch/pisa/internal/appointment"
	"github.com/pisaresearch/pisa/internal/blockcache"
	"github.com/pisaresearch/pisa/internal/chain"
	"github.com/pisaresearch/pisa/internal/gasestimator"
	"github.com/pisaresearch/pisa/internal/gasqueue"
	"github.com/pisaresearch/pisa/internal/perrors"
	"github.com/pisaresearch/pisa/log"
)

var logger = log.NewModuleLogger(log.Responder)

// MineKind is the per-tracked-request reducer state spec.md §4.5.3 names:
// Pending until a mined transaction matching the identifier is observed,
// then Mined.
type MineKind int

const (
	Pending MineKind = iota
	Mined
)

type mineState struct {
	Kind       MineKind
	BlockMined uint64
	refHash    common.Hash
}

type trackedResponse struct {
	appt        *appointment.Appointment
	identifier  chain.Identifier
	mined       mineState
	forgetFired bool
}

// Responder is the Responder of spec.md §4.5. It owns one signing address
// and the GasQueue for it; every queue transition is copy-on-write
// (spec.md §5), so readers (e.g. admission checking queue depth) never
// race a concurrent response being built.
type Responder struct {
	mu sync.Mutex

	chainID                   *big.Int
	signer                    TxSigner
	rpc                       chain.RPC
	estimator                 *gasestimator.Estimator
	confirmationsBeforeForget uint64

	queue   *gasqueue.Queue
	tracked map[uint64]*trackedResponse
}

// New constructs a Responder. emptyNonce must come from
// rpc.GetTransactionCount(signer.Address(), "pending") at startup, the
// wallet-exclusivity invariant of spec.md §4.5.3.
func New(chainID *big.Int, signer TxSigner, rpc chain.RPC, estimator *gasestimator.Estimator, confirmationsBeforeForget uint64, emptyNonce uint64, replacementRate float64, maxDepth int) *Responder {
	return &Responder{
		chainID:                   chainID,
		signer:                    signer,
		rpc:                       rpc,
		estimator:                 estimator,
		confirmationsBeforeForget: confirmationsBeforeForget,
		queue:                     gasqueue.New(emptyNonce, replacementRate, maxDepth),
		tracked:                   make(map[uint64]*trackedResponse),
	}
}

// Queue returns the current GasQueue snapshot. Safe to call concurrently
// with response building: the returned pointer is never mutated in place.
func (r *Responder) Queue() *gasqueue.Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue
}

// DepthReached reports whether the queue is at maxConcurrentResponses,
// spec.md §4.3 step 4's "Queue capacity (relay mode only)" admission check.
func (r *Responder) DepthReached() bool {
	return r.Queue().DepthReached()
}

func identifierFor(chainID *big.Int, a *appointment.Appointment) chain.Identifier {
	return chain.NewIdentifier(chainID, a.ContractAddress, a.Data, a.Value, a.GasLimit)
}

// broadcastDiff signs and submits every item in diff. Failures are logged
// and swallowed, spec.md §4.5.3's "Broadcast ... failure is logged and
// swallowed — the next head tick will re-issue if needed".
func (r *Responder) broadcastDiff(ctx context.Context, diff []*gasqueue.Item) {
	for _, item := range diff {
		attempt := uuid.New()
		tx, err := r.signer.SignTransaction(r.chainID, item.Request.Appointment.ContractAddress, item.Nonce, item.GasPrice, item.Request.Appointment.GasLimit, item.Request.Appointment.Value, item.Request.Appointment.Data)
		if err != nil {
			logger.Error("failed to sign response transaction", "appointmentId", item.Request.Appointment.ID, "attempt", attempt, "err", err)
			continue
		}
		if err := r.rpc.SendTransaction(ctx, tx); err != nil {
			logger.Warn("broadcast failed, will retry on next head", "appointmentId", item.Request.Appointment.ID, "attempt", attempt, "nonce", item.Nonce, "err", err)
			continue
		}
		logger.Debug("broadcast response transaction", "appointmentId", item.Request.Appointment.ID, "attempt", attempt, "nonce", item.Nonce, "gasPrice", item.GasPrice)
	}
}

// StartResponse implements spec.md §4.5.3's startResponse(appointment): it
// builds the request's identifier, estimates an ideal gas price against
// blocksLeft (endBlock - headNumber), adds it to the queue, and broadcasts
// whatever the add newly issued. AlreadyAdded surfaces as a public error.
func (r *Responder) StartResponse(ctx context.Context, a *appointment.Appointment, headNumber uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := identifierFor(r.chainID, a)

	var blocksLeft uint64
	if a.EndBlock > headNumber {
		blocksLeft = a.EndBlock - headNumber
	}
	spot, err := r.rpc.GetGasPrice(ctx)
	if err != nil {
		return perrors.Wrap(perrors.TransientIoError, err, "failed to fetch gas price")
	}
	ideal := r.estimator.GasPrice(blocksLeft, spot)

	prev := r.queue
	nq, err := prev.Add(gasqueue.Request{Identifier: id, IdealGasPrice: ideal, Appointment: a})
	if err != nil {
		if err == gasqueue.ErrAlreadyAdded {
			return perrors.Wrap(perrors.PublicValidationError, err, "appointment already has a response in flight")
		}
		return perrors.Wrap(perrors.QueueConsistencyError, err, "failed to queue response")
	}
	r.queue = nq
	r.tracked[a.ID] = &trackedResponse{appt: a, identifier: id, mined: mineState{Kind: Pending}}

	r.broadcastDiff(ctx, nq.Difference(prev))
	return nil
}

// TxMined implements spec.md §4.5.3's txMined(identifier, nonce): it fails
// with QueueConsistencyError if the queue is empty, the identifier is not
// queued, or the current head item's nonce does not match the supplied
// nonce (responses are confirmed in strict nonce order, spec.md §5). If
// identifier is the head, it is dequeued; otherwise consume reorders the
// queue and the resulting difference is rebroadcast.
func (r *Responder) TxMined(ctx context.Context, identifier chain.Identifier, nonce uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	head, ok := r.queue.Head()
	if !ok {
		return perrors.New(perrors.QueueConsistencyError, "txMined: queue is empty")
	}
	if !r.queue.Contains(identifier) {
		return perrors.New(perrors.QueueConsistencyError, "txMined: identifier not in queue")
	}
	if head.Nonce != nonce {
		return perrors.New(perrors.QueueConsistencyError, "txMined: head nonce does not match mined nonce")
	}

	prev := r.queue
	if head.Request.Identifier.Equal(identifier) {
		r.queue = prev.Dequeue()
		return nil
	}

	nq, err := prev.Consume(identifier)
	if err != nil {
		return perrors.Wrap(perrors.QueueConsistencyError, err, "txMined: consume failed")
	}
	r.queue = nq
	r.broadcastDiff(ctx, nq.Difference(prev))
	return nil
}

// ReEnqueueMissingItems implements spec.md §4.5.3's reEnqueueMissingItems:
// every tracked id whose identifier is not currently queued is re-prepended
// at the ideal price for headNumber, and the resulting difference is
// rebroadcast. Used to recover after a reorg drops previously broadcast
// transactions.
func (r *Responder) ReEnqueueMissingItems(ctx context.Context, ids []uint64, headNumber uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var missing []gasqueue.Request
	for _, id := range ids {
		t, ok := r.tracked[id]
		if !ok || r.queue.Contains(t.identifier) {
			continue
		}
		var blocksLeft uint64
		if t.appt.EndBlock > headNumber {
			blocksLeft = t.appt.EndBlock - headNumber
		}
		spot, err := r.rpc.GetGasPrice(ctx)
		if err != nil {
			logger.Error("failed to fetch gas price during re-enqueue", "appointmentId", id, "err", err)
			continue
		}
		ideal := r.estimator.GasPrice(blocksLeft, spot)
		missing = append(missing, gasqueue.Request{Identifier: t.identifier, IdealGasPrice: ideal, Appointment: t.appt})
	}
	if len(missing) == 0 {
		return nil
	}

	prev := r.queue
	nq, err := prev.Prepend(missing)
	if err != nil {
		return perrors.Wrap(perrors.QueueConsistencyError, err, "failed to re-enqueue missing items")
	}
	r.queue = nq
	r.broadcastDiff(ctx, nq.Difference(prev))
	return nil
}

// TrackedIDs returns the appointment ids with an in-flight response, for
// the engine's reorg-recovery sweep (ReEnqueueMissingItems needs the full
// candidate set, not just the ones the queue currently holds).
func (r *Responder) TrackedIDs() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uint64, 0, len(r.tracked))
	for id := range r.tracked {
		ids = append(ids, id)
	}
	return ids
}

// EndResponse drops the tracking record for id, spec.md §4.5.3.
func (r *Responder) EndResponse(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tracked, id)
}

func matchTx(id chain.Identifier, tx chain.Transaction) bool {
	return id.Equal(chain.NewIdentifier(tx.ChainID, tx.To, tx.Data, tx.Value, tx.GasLimit))
}

// step advances one tracked response's mine-state to head, spec.md
// §4.5.3's reducer: "initial state is Pending unless an ancestor block
// already contains a matching identifier (then Mined)... Pending → Mined
// iff a block log/tx matches." It walks back from head only as far as the
// BlockCache retains, exactly like the Watcher's catch-up walk, so skipped
// heads are tolerated.
func (r *Responder) step(t *trackedResponse, cache *blockcache.BlockCache, head *chain.Block) (mineState, *chain.Transaction) {
	if t.mined.refHash == head.Hash {
		return t.mined, nil
	}

	// A zero refHash means this is the first walk since tracking began:
	// scan the whole retained window, the same "initial state" derivation
	// the Watcher performs. A non-zero refHash means we are catching up
	// from the last head we checked; the loop stops there. Either way, if
	// the loop runs off the cache without finding refHash, a reorg moved
	// the chain out from under the last check — the scan below still
	// covers the whole retained window in that case, so the result stands.
	it := cache.Ancestry(head.Hash)
	var matchedBlock *chain.Block
	var matchedTx *chain.Transaction
	for {
		b, ok := it.Next()
		if !ok {
			break
		}
		if b.Hash == t.mined.refHash {
			break
		}
		for i := range b.Transactions {
			if matchTx(t.identifier, b.Transactions[i]) {
				matchedBlock = b
				matchedTx = &b.Transactions[i]
			}
		}
	}
	if matchedBlock != nil {
		return mineState{Kind: Mined, BlockMined: matchedBlock.Number, refHash: matchedBlock.Hash}, matchedTx
	}
	return mineState{Kind: Pending, refHash: head.Hash}, nil
}

// Process drives every tracked response's mine-state to head, dispatching
// TxMined when a match is found and EndResponse once
// confirmationsBeforeForget confirmations have passed. Dispatch errors are
// logged and swallowed, never propagated to the reducer (spec.md §7).
func (r *Responder) Process(ctx context.Context, cache *blockcache.BlockCache, head *chain.Block) {
	r.mu.Lock()
	ids := make([]uint64, 0, len(r.tracked))
	for id := range r.tracked {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.mu.Lock()
		t, ok := r.tracked[id]
		r.mu.Unlock()
		if !ok {
			continue
		}

		if t.mined.Kind == Pending {
			next, matchedTx := r.step(t, cache, head)
			if next.Kind == Mined && matchedTx != nil {
				if matchedTx.From != r.signer.Address() {
					logger.Warn("mined transaction for tracked identifier was not submitted by us", "appointmentId", id, "from", matchedTx.From)
				}
				if err := r.TxMined(ctx, t.identifier, matchedTx.Nonce); err != nil {
					logger.Error("txMined dispatch failed", "appointmentId", id, "err", err)
				}
			}
			r.mu.Lock()
			t.mined = next
			r.mu.Unlock()
			continue
		}

		age := head.Number - t.mined.BlockMined + 1
		if !t.forgetFired && age >= r.confirmationsBeforeForget {
			t.forgetFired = true
			r.EndResponse(id)
		}
	}
}
