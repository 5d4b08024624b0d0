package gasqueue

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pisaresearch/pisa/internal/chain"
)

func ident(seed byte) chain.Identifier {
	return chain.NewIdentifier(big.NewInt(1), common.Address{seed}, []byte{seed}, big.NewInt(0), 21000)
}

func req(seed byte, idealGasPrice int64) Request {
	return Request{Identifier: ident(seed), IdealGasPrice: big.NewInt(idealGasPrice)}
}

// buildQueue seeds a queue with items at consecutive nonces starting at
// startNonce, with the given gas prices (must already be strictly
// decreasing to satisfy the invariant), as if each had been added in
// isolation.
func buildQueue(t *testing.T, startNonce uint64, prices []int64, seeds []byte, rate float64, maxDepth int) *Queue {
	t.Helper()
	q := New(startNonce, rate, maxDepth)
	items := make([]*Item, len(prices))
	for i, p := range prices {
		items[i] = &Item{
			Nonce:    startNonce + uint64(i),
			GasPrice: big.NewInt(p),
			Request:  req(seeds[i], p),
		}
	}
	q.items = items
	q.emptyNonce = startNonce + uint64(len(prices))
	return q
}

func TestAddInsertsAtCorrectPricePosition(t *testing.T) {
	// [A@10,100],[B@11,90], emptyNonce=12
	q := buildQueue(t, 10, []int64{100, 90}, []byte{0xA, 0xB}, 0.1, 10)

	nq, err := q.Add(req(0xC, 120))
	require.NoError(t, err)

	items := nq.Items()
	require.Len(t, items, 3)

	assert.Equal(t, uint64(10), items[0].Nonce)
	assert.Equal(t, big.NewInt(120), items[0].GasPrice)
	assert.True(t, items[0].Request.Identifier.Equal(ident(0xC)))

	assert.Equal(t, uint64(11), items[1].Nonce)
	assert.True(t, items[1].Request.Identifier.Equal(ident(0xA)))
	assert.True(t, items[1].GasPrice.Cmp(big.NewInt(110)) >= 0, "A' must be >= 100*(1.1)=110, got %s", items[1].GasPrice)

	assert.Equal(t, uint64(12), items[2].Nonce)
	assert.True(t, items[2].Request.Identifier.Equal(ident(0xB)))
	assert.True(t, items[2].GasPrice.Cmp(big.NewInt(99)) >= 0, "B' must be >= 90*(1.1)=99, got %s", items[2].GasPrice)

	assert.Equal(t, uint64(13), nq.EmptyNonce())

	// invariants: strictly increasing nonce, strictly decreasing price
	for i := 1; i < len(items); i++ {
		assert.True(t, items[i].Nonce > items[i-1].Nonce)
		assert.True(t, items[i].GasPrice.Cmp(items[i-1].GasPrice) < 0)
	}
}

func TestAddRejectsDuplicateIdentifier(t *testing.T) {
	q := buildQueue(t, 10, []int64{100}, []byte{0xA}, 0.1, 10)
	_, err := q.Add(req(0xA, 200))
	assert.ErrorIs(t, err, ErrAlreadyAdded)
}

func TestAddRejectsAtMaxDepth(t *testing.T) {
	q := buildQueue(t, 10, []int64{100}, []byte{0xA}, 0.1, 1)
	_, err := q.Add(req(0xB, 200))
	assert.Error(t, err)
}

func TestAddAppendsWhenCheapest(t *testing.T) {
	q := buildQueue(t, 10, []int64{100}, []byte{0xA}, 0.1, 10)
	nq, err := q.Add(req(0xB, 10))
	require.NoError(t, err)

	items := nq.Items()
	require.Len(t, items, 2)
	assert.True(t, items[0].Request.Identifier.Equal(ident(0xA)))
	assert.Equal(t, big.NewInt(100), items[0].GasPrice)
	assert.True(t, items[1].Request.Identifier.Equal(ident(0xB)))
	assert.Equal(t, big.NewInt(10), items[1].GasPrice)
}

func TestAddDoesNotMutateReceiver(t *testing.T) {
	q := buildQueue(t, 10, []int64{100, 90}, []byte{0xA, 0xB}, 0.1, 10)
	before := q.Items()

	_, err := q.Add(req(0xC, 120))
	require.NoError(t, err)

	after := q.Items()
	require.Equal(t, len(before), len(after))
	for i := range before {
		assert.Same(t, before[i], after[i])
	}
}

func TestDequeueRemovesHeadAndKeepsEmptyNonce(t *testing.T) {
	q := buildQueue(t, 10, []int64{100, 90}, []byte{0xA, 0xB}, 0.1, 10)
	nq := q.Dequeue()

	items := nq.Items()
	require.Len(t, items, 1)
	assert.True(t, items[0].Request.Identifier.Equal(ident(0xB)))
	assert.Equal(t, q.EmptyNonce(), nq.EmptyNonce())
}

func TestConsumeOutOfOrderShiftsEarlierItems(t *testing.T) {
	// [A@10,100],[B@11,90]; node mines B at nonce 10 (a prior replacement).
	q := buildQueue(t, 10, []int64{100, 90}, []byte{0xA, 0xB}, 0.1, 10)

	nq, err := q.Consume(ident(0xB))
	require.NoError(t, err)

	items := nq.Items()
	require.Len(t, items, 1)
	assert.True(t, items[0].Request.Identifier.Equal(ident(0xA)))
	assert.Equal(t, uint64(11), items[0].Nonce)
}

func TestConsumeLeavesLaterItemsUntouched(t *testing.T) {
	q := buildQueue(t, 10, []int64{100, 90, 80}, []byte{0xA, 0xB, 0xC}, 0.1, 10)

	// consume the middle item (B@11): A (earlier) shifts to 11, C (later,
	// nonce 12) is untouched.
	nq, err := q.Consume(ident(0xB))
	require.NoError(t, err)

	items := nq.Items()
	require.Len(t, items, 2)
	assert.True(t, items[0].Request.Identifier.Equal(ident(0xA)))
	assert.Equal(t, uint64(11), items[0].Nonce)
	assert.True(t, items[1].Request.Identifier.Equal(ident(0xC)))
	assert.Equal(t, uint64(12), items[1].Nonce)
	assert.Equal(t, big.NewInt(80), items[1].GasPrice, "untouched item keeps its price")
}

func TestConsumeUnknownIdentifierErrors(t *testing.T) {
	q := buildQueue(t, 10, []int64{100}, []byte{0xA}, 0.1, 10)
	_, err := q.Consume(ident(0xFF))
	assert.Error(t, err)
}

func TestDifferenceReportsOnlyChangedItems(t *testing.T) {
	q := buildQueue(t, 10, []int64{100, 90}, []byte{0xA, 0xB}, 0.1, 10)
	nq, err := q.Add(req(0xC, 120))
	require.NoError(t, err)

	diff := nq.Difference(q)
	require.Len(t, diff, 3, "C is new, A and B were both reassigned new nonces/prices")

	hasIdent := func(id chain.Identifier) bool {
		for _, it := range diff {
			if it.Request.Identifier.Equal(id) {
				return true
			}
		}
		return false
	}
	assert.True(t, hasIdent(ident(0xA)))
	assert.True(t, hasIdent(ident(0xB)))
	assert.True(t, hasIdent(ident(0xC)))
}

func TestDifferenceAgainstSelfIsEmpty(t *testing.T) {
	q := buildQueue(t, 10, []int64{100, 90}, []byte{0xA, 0xB}, 0.1, 10)
	assert.Empty(t, q.Difference(q))
}

func TestPrependInsertsAtFrontInDescendingPriceOrder(t *testing.T) {
	q := buildQueue(t, 10, []int64{100}, []byte{0xA}, 0.1, 10)

	nq, err := q.Prepend([]Request{req(0xC, 50), req(0xD, 200)})
	require.NoError(t, err)

	items := nq.Items()
	require.Len(t, items, 3)
	assert.True(t, items[0].Request.Identifier.Equal(ident(0xD)))
	for i := 1; i < len(items); i++ {
		assert.True(t, items[i].Nonce > items[i-1].Nonce)
		assert.True(t, items[i].GasPrice.Cmp(items[i-1].GasPrice) < 0)
	}
}

func TestDepthReached(t *testing.T) {
	q := buildQueue(t, 10, []int64{100}, []byte{0xA}, 0.1, 1)
	assert.True(t, q.DepthReached())

	empty := New(10, 0.1, 1)
	assert.False(t, empty.DepthReached())
}
