// Package gasqueue implements the GasQueue of spec.md §4.5.2: a
// nonce-ordered, replacement-aware priority structure over one Responder's
// pending transactions. Every operation is pure — it returns a new queue
// rather than mutating the receiver — so Admission (concurrent with block
// processing, spec.md §5) can safely read a queue snapshot while the
// Responder computes its next state.
package gasqueue

import (
	"math/big"
	"sort"

	"github.com/pisaresearch/pisa/internal/appointment"
	"github.com/pisaresearch/pisa/internal/chain"
	"github.com/pisaresearch/pisa/internal/perrors"
)

// Request is the input to Add: the logical transaction identifier, the
// price the estimator considers ideal, and the appointment it services.
type Request struct {
	Identifier    chain.Identifier
	IdealGasPrice *big.Int
	Appointment   *appointment.Appointment
}

// Item is a GasQueueItem, spec.md §3: {nonce, gasPrice, request}. Items are
// never mutated in place — every transformation that changes an item's
// nonce or gasPrice allocates a new *Item, so Difference can identify
// exactly the newly issued items by pointer identity.
type Item struct {
	Nonce    uint64
	GasPrice *big.Int
	Request  Request
}

// Queue is the GasQueue of spec.md §3/§4.5.2.
type Queue struct {
	items           []*Item
	emptyNonce      uint64
	replacementRate float64
	maxDepth        int
}

// New constructs an empty queue. emptyNonce should be seeded from
// provider.getTransactionCount(addr, "pending") at Responder startup,
// spec.md §4.5.3's wallet-exclusivity invariant.
func New(emptyNonce uint64, replacementRate float64, maxDepth int) *Queue {
	return &Queue{emptyNonce: emptyNonce, replacementRate: replacementRate, maxDepth: maxDepth}
}

// Items returns the queue's items in nonce-ascending order. The returned
// slice is a copy of the header; items themselves are shared, not cloned.
func (q *Queue) Items() []*Item {
	out := make([]*Item, len(q.items))
	copy(out, q.items)
	return out
}

// EmptyNonce returns the next free nonce.
func (q *Queue) EmptyNonce() uint64 { return q.emptyNonce }

// Len returns the current queue depth.
func (q *Queue) Len() int { return len(q.items) }

// DepthReached reports whether the queue is at capacity, spec.md §4.5.2.
func (q *Queue) DepthReached() bool { return len(q.items) >= q.maxDepth }

// ErrAlreadyAdded is returned by Add when request.Identifier is already
// queued, spec.md §4.5.2.
var ErrAlreadyAdded = alreadyAddedError{}

type alreadyAddedError struct{}

func (alreadyAddedError) Error() string { return "gasqueue: identifier already added" }

// Head returns the lowest-nonce item, if any.
func (q *Queue) Head() (*Item, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

// Contains reports whether id is currently queued.
func (q *Queue) Contains(id chain.Identifier) bool {
	return q.indexOf(id) >= 0
}

func (q *Queue) indexOf(id chain.Identifier) int {
	for i, it := range q.items {
		if it.Request.Identifier.Equal(id) {
			return i
		}
	}
	return -1
}

func (q *Queue) clone() *Queue {
	items := make([]*Item, len(q.items))
	copy(items, q.items)
	return &Queue{items: items, emptyNonce: q.emptyNonce, replacementRate: q.replacementRate, maxDepth: q.maxDepth}
}

// bump rounds old*(1+rate) up to the nearest integer wei, matching the
// estimator's "integer-rounded" convention (spec.md §4.5.1) for the
// replacement-rate floor of spec.md §4.5.2/glossary.
func bump(old *big.Int, rate float64) *big.Int {
	const scale = 1_000_000_000
	factor := big.NewInt(int64((1 + rate) * scale))
	num := new(big.Int).Mul(old, factor)
	den := big.NewInt(scale)
	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// Add implements spec.md §4.5.2's add(request). It rejects ErrAlreadyAdded
// if request.Identifier is already present; otherwise it finds the first
// position where request.IdealGasPrice beats the incumbent's gasPrice (or
// appends), inserts there, reassigns every downstream item's nonce to keep
// the contiguous [items[0].nonce, emptyNonce] window, and bumps each
// downstream item's own prior gasPrice by replacementRate so it remains a
// valid mempool replacement at its new nonce. Where that bumped price would
// not stay strictly below the price of the item ahead of it, the item is
// priced one wei below that item instead, which can leave it short of the
// full replacementRate bump.
func (q *Queue) Add(req Request) (*Queue, error) {
	if q.indexOf(req.Identifier) >= 0 {
		return nil, ErrAlreadyAdded
	}
	if q.DepthReached() {
		return nil, perrors.New(perrors.QueueConsistencyError, "gasqueue: max depth reached")
	}

	i := len(q.items)
	for idx, it := range q.items {
		if req.IdealGasPrice.Cmp(it.GasPrice) > 0 {
			i = idx
			break
		}
	}

	newLen := len(q.items) + 1
	newItem := &Item{
		Nonce:    q.emptyNonce - uint64(newLen-(i+1)),
		GasPrice: new(big.Int).Set(req.IdealGasPrice),
		Request:  req,
	}

	out := make([]*Item, 0, newLen)
	out = append(out, q.items[:i]...)
	out = append(out, newItem)

	prevPrice := newItem.GasPrice
	for _, it := range q.items[i:] {
		floor := bump(it.GasPrice, q.replacementRate)
		newPrice := floor
		if newPrice.Cmp(prevPrice) >= 0 {
			newPrice = new(big.Int).Sub(prevPrice, big.NewInt(1))
		}
		bumped := &Item{Nonce: it.Nonce + 1, GasPrice: newPrice, Request: it.Request}
		out = append(out, bumped)
		prevPrice = newPrice
	}

	nq := q.clone()
	nq.items = out
	nq.emptyNonce = q.emptyNonce + 1
	return nq, nil
}

// Dequeue removes the head item (lowest nonce). emptyNonce is unchanged,
// spec.md §4.5.2's explicit correction to a naive decrement.
func (q *Queue) Dequeue() *Queue {
	if len(q.items) == 0 {
		return q.clone()
	}
	nq := q.clone()
	nq.items = append([]*Item{}, q.items[1:]...)
	return nq
}

// Consume implements spec.md §4.5.2's consume(identifier): it locates the
// item with the matching identifier (not necessarily the head), removes
// it, and advances every item with a smaller nonce by one to close the gap
// — so the transaction that was at the prior head now takes the nonce the
// consumed item vacates — applying the same replacement-rate bump cascade
// to those shifted items. See spec.md §9's flagged open question: this
// bumps every shifted item's own prior price, even ones that would
// otherwise still mine unchanged at their new nonce; SPEC_FULL.md keeps
// that behavior rather than silently diverging from it.
func (q *Queue) Consume(id chain.Identifier) (*Queue, error) {
	idx := q.indexOf(id)
	if idx < 0 || len(q.items) == 0 {
		return nil, perrors.New(perrors.QueueConsistencyError, "gasqueue: consume: identifier not in queue")
	}
	consumedNonce := q.items[idx].Nonce

	out := make([]*Item, 0, len(q.items)-1)
	var prevPrice *big.Int
	for i, it := range q.items {
		if i == idx {
			continue
		}
		if it.Nonce < consumedNonce {
			floor := bump(it.GasPrice, q.replacementRate)
			newPrice := floor
			if prevPrice != nil && newPrice.Cmp(prevPrice) >= 0 {
				newPrice = new(big.Int).Sub(prevPrice, big.NewInt(1))
			}
			shifted := &Item{Nonce: it.Nonce + 1, GasPrice: newPrice, Request: it.Request}
			out = append(out, shifted)
			prevPrice = newPrice
		} else {
			out = append(out, it)
			prevPrice = it.GasPrice
		}
	}

	nq := q.clone()
	nq.items = out
	return nq, nil
}

// Prepend re-inserts previously removed requests by calling Add for each,
// in descending idealGasPrice order, shifting later items' nonces upward
// and applying the same bump cascade as Add. Each request lands at the
// position its idealGasPrice earns, so a request priced below items already
// queued goes behind them rather than at the front. Used by Responder.ReEnqueueMissingItems
// to recover after a reorg drops previously broadcast transactions,
// spec.md §4.5.3.
func (q *Queue) Prepend(reqs []Request) (*Queue, error) {
	sorted := make([]Request, len(reqs))
	copy(sorted, reqs)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].IdealGasPrice.Cmp(sorted[j].IdealGasPrice) > 0
	})

	cur := q
	for _, r := range sorted {
		var err error
		cur, err = cur.Add(r)
		if err != nil {
			return nil, err
		}
	}
	return cur, nil
}

// Difference returns the items in self with no pointer-identical
// counterpart in prev: the transactions newly issued by the operation that
// produced self, which the Responder must broadcast, spec.md §4.5.2.
func (q *Queue) Difference(prev *Queue) []*Item {
	var prevSet map[*Item]struct{}
	if prev != nil {
		prevSet = make(map[*Item]struct{}, len(prev.items))
		for _, it := range prev.items {
			prevSet[it] = struct{}{}
		}
	}
	var out []*Item
	for _, it := range q.items {
		if _, ok := prevSet[it]; !ok {
			out = append(out, it)
		}
	}
	return out
}
