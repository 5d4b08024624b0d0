// Package blockcache implements the BlockCache of spec.md §4.1: a bounded
// in-memory DAG of recent blocks with efficient ancestor walks, tolerant of
// reorgs and out-of-order arrival.
package blockcache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pbnjay/memory"

	"github.com/pisaresearch/pisa/internal/chain"
	"github.com/pisaresearch/pisa/log"
)

var logger = log.NewModuleLogger(log.BlockCache)

// assumedBlockSize approximates an average cached block's memory footprint,
// used only to size the orphan buffer from a byte budget the way the
// teacher's common.CacheScale sizes caches proportionally rather than by a
// fixed entry count.
const assumedBlockSize = 8 * 1024

const defaultOrphanCapacity = 64

type node struct {
	block *chain.Block
}

// BlockCache is a bounded map from block hash to Block, with parentHash
// links, an orphan buffer for out-of-order arrivals, and the canonical
// head chosen by max block number (ties broken by first observed).
//
// BlockCache is read-only outside the block-ingestion path (spec.md §5):
// Add is the only mutator, all other methods take a consistent read
// snapshot under a shared RWMutex.
type BlockCache struct {
	mu sync.RWMutex

	depth uint64 // retained blocks below head, spec.md §4.1 "default 200"

	nodes    map[chainHash]*node
	children map[chainHash][]chainHash // parent hash -> child hashes

	head *chain.Block

	orphans *lru.Cache // parentHash -> []*chain.Block awaiting that parent
}

type chainHash = [32]byte

func toHash(h [32]byte) chainHash { return h }

// New constructs an empty BlockCache retaining depth blocks below the head.
// sizeHintBytes, if zero, derives the orphan-buffer capacity from a share
// of total system memory via github.com/pbnjay/memory, generalizing the
// teacher's memory-aware cache-sizing convention.
func New(depth uint64, sizeHintBytes int64) *BlockCache {
	if depth == 0 {
		depth = 200
	}
	cap := defaultOrphanCapacity
	if sizeHintBytes > 0 {
		if n := int(sizeHintBytes / assumedBlockSize); n > 0 {
			cap = n
		}
	} else if total := memory.TotalMemory(); total > 0 {
		// Budget at most ~0.01% of system memory for orphaned blocks.
		if n := int(total / 10000 / assumedBlockSize); n > cap {
			cap = n
		}
	}
	orphans, err := lru.New(cap)
	if err != nil {
		// lru.New only errors on size <= 0, which cannot happen here.
		panic(err)
	}
	return &BlockCache{
		depth:    depth,
		nodes:    make(map[chainHash]*node),
		children: make(map[chainHash][]chainHash),
		orphans:  orphans,
	}
}

// Add inserts a block. It is idempotent: re-adding a known hash is a no-op.
// It fails if the block's parent is neither in the cache nor the block
// itself is old enough to be rejected as beyond the retained depth (i.e.
// "the parent is older than retained depth" of spec.md §4.1) — in that case
// the block is buffered as an orphan instead of erroring, since later
// blocks may still resolve it; Add only returns an error when the block
// cannot possibly attach (its number already falls below the oldest
// retained block and no parent link exists).
func (c *BlockCache) Add(b *chain.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := toHash(b.Hash)
	if _, ok := c.nodes[h]; ok {
		return nil // idempotent
	}

	if c.head != nil {
		floor := uint64(0)
		if c.head.Number > c.depth {
			floor = c.head.Number - c.depth
		}
		if b.Number < floor {
			if _, ok := c.nodes[toHash(b.ParentHash)]; !ok {
				logger.Debug("rejecting block older than retained depth", "number", b.Number, "floor", floor)
				return errTooOld
			}
		}
	}

	if !c.insert(b) {
		return nil // buffered as an orphan until its parent arrives
	}
	c.resolveOrphans(h)
	c.recomputeHead(b)
	c.evict()
	return nil
}

// insert attaches b and reports true, or buffers it as an orphan and reports
// false. The first block added to an empty cache attaches as its root.
func (c *BlockCache) insert(b *chain.Block) bool {
	h := toHash(b.Hash)
	p := toHash(b.ParentHash)
	_, hasParent := c.nodes[p]
	if !hasParent && c.head != nil && b.Number > 0 {
		// Parent not yet seen: buffer as an orphan keyed by parent hash.
		var waiting []*chain.Block
		if v, ok := c.orphans.Get(p); ok {
			waiting = v.([]*chain.Block)
		}
		c.orphans.Add(p, append(waiting, b))
		return false
	}
	c.nodes[h] = &node{block: b}
	if hasParent {
		c.children[p] = append(c.children[p], h)
	}
	return true
}

// resolveOrphans re-attaches any buffered blocks whose parent is h.
func (c *BlockCache) resolveOrphans(h chainHash) {
	v, ok := c.orphans.Get(h)
	if !ok {
		return
	}
	c.orphans.Remove(h)
	for _, o := range v.([]*chain.Block) {
		if _, exists := c.nodes[toHash(o.Hash)]; exists {
			continue
		}
		c.insert(o)
		c.resolveOrphans(toHash(o.Hash))
		c.recomputeHead(o)
	}
}

func (c *BlockCache) recomputeHead(candidate *chain.Block) {
	if c.head == nil || candidate.Number > c.head.Number {
		c.head = candidate
	}
}

// evict drops every block numbered below the retained floor (head.Number -
// depth), whether or not it has descendants at or above the floor. The
// Watcher's own reducer never walks ancestry past that same floor (spec.md
// §4.4's initial-state walk stops at max(startBlock, B.number-retention)),
// so no reducer reads a block below it.
func (c *BlockCache) evict() {
	if c.head == nil {
		return
	}
	var floor uint64
	if c.head.Number > c.depth {
		floor = c.head.Number - c.depth
	}
	for h, n := range c.nodes {
		if n.block.Number < floor {
			c.remove(h)
		}
	}
}

func (c *BlockCache) remove(h chainHash) {
	n, ok := c.nodes[h]
	if !ok {
		return
	}
	delete(c.nodes, h)
	p := toHash(n.block.ParentHash)
	kids := c.children[p]
	for i, k := range kids {
		if k == h {
			c.children[p] = append(kids[:i], kids[i+1:]...)
			break
		}
	}
	delete(c.children, h)
}

// Head returns the canonical tip, or nil if the cache is empty.
func (c *BlockCache) Head() *chain.Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.head
}

// Get returns the block for hash, if cached.
func (c *BlockCache) Get(hash [32]byte) (*chain.Block, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[hash]
	if !ok {
		return nil, false
	}
	return n.block, true
}

// Ancestry returns a lazy sequence from hash toward the root: calling Next
// repeatedly walks parent links without materializing the whole chain.
// Requests for an unknown hash return empty, matching spec.md §4.1's
// "no exceptions" failure model.
func (c *BlockCache) Ancestry(hash [32]byte) *Iterator {
	return &Iterator{cache: c, next: hash, hasNext: true}
}

// Iterator lazily walks a BlockCache from a starting hash toward the root.
type Iterator struct {
	cache   *BlockCache
	next    [32]byte
	hasNext bool
}

// Next returns the next ancestor, or ok=false once the walk runs off the
// retained cache (including the initial hash being unknown).
func (it *Iterator) Next() (b *chain.Block, ok bool) {
	if !it.hasNext {
		return nil, false
	}
	it.cache.mu.RLock()
	n, found := it.cache.nodes[it.next]
	it.cache.mu.RUnlock()
	if !found {
		it.hasNext = false
		return nil, false
	}
	it.next = toHash(n.block.ParentHash)
	it.hasNext = n.block.Number > 0
	return n.block, true
}

// FindAncestor walks parents from hash (inclusive) and returns the first
// block satisfying predicate, stopping at minHeight if given (a block whose
// number is below minHeight ends the walk unsatisfied). Returns ok=false if
// no such block is found in the cache, never an error (spec.md §4.1).
func (c *BlockCache) FindAncestor(hash [32]byte, predicate func(*chain.Block) bool, minHeight ...uint64) (*chain.Block, bool) {
	var floor uint64
	hasFloor := len(minHeight) > 0
	if hasFloor {
		floor = minHeight[0]
	}
	it := c.Ancestry(hash)
	for {
		b, ok := it.Next()
		if !ok {
			return nil, false
		}
		if hasFloor && b.Number < floor {
			return nil, false
		}
		if predicate(b) {
			return b, true
		}
	}
}

// IsAncestor reports whether candidate is an ancestor of (or equal to) hash.
// Used to detect reorgs: a previously processed head that is no longer an
// ancestor of the new head signals the chain has reorganized out from
// under it (spec.md §9 "reorg-triggered recovery").
func (c *BlockCache) IsAncestor(hash [32]byte, candidate [32]byte) bool {
	if hash == candidate {
		return true
	}
	_, ok := c.FindAncestor(hash, func(b *chain.Block) bool {
		return toHash(b.Hash) == candidate
	})
	return ok
}

var errTooOld = errTooOldError{}

type errTooOldError struct{}

func (errTooOldError) Error() string { return "blockcache: parent older than retained depth" }
