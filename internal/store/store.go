// Package store implements the AppointmentStore of spec.md §4.2: the
// durable, authoritative set of admitted appointments indexed by id and by
// locator, backed by the key-value log in internal/kvstore. The in-memory
// indexes are replayed from the log on startup and are the sole
// authoritative read path; writes are serialized per locator.
package store

import (
	"encoding/binary"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/pisaresearch/pisa/internal/appointment"
	"github.com/pisaresearch/pisa/internal/kvstore"
	"github.com/pisaresearch/pisa/internal/perrors"
	"github.com/pisaresearch/pisa/log"
)

var logger = log.NewModuleLogger(log.Store)

const idPrefix = "id/"

// Store is the AppointmentStore of spec.md §4.2.
type Store struct {
	kv kvstore.KV

	mu        sync.RWMutex // guards byID/byLocator
	byID      map[uint64]*appointment.Appointment
	byLocator map[appointment.Locator]*appointment.Appointment

	locksMu sync.Mutex
	locks   map[appointment.Locator]*sync.Mutex
}

// Open opens the store's backing log at path and replays it into the
// in-memory indexes, spec.md §4.2's "On startup, the store replays the log
// into the in-memory indexes".
func Open(path string, cacheSizeMB, numHandles int) (*Store, error) {
	kv, err := kvstore.Open(path, cacheSizeMB, numHandles)
	if err != nil {
		return nil, err
	}
	s := &Store{
		kv:        kv,
		byID:      make(map[uint64]*appointment.Appointment),
		byLocator: make(map[appointment.Locator]*appointment.Appointment),
		locks:     make(map[appointment.Locator]*sync.Mutex),
	}
	if err := s.replay(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) replay() error {
	it := s.kv.NewIteratorWithPrefix([]byte(idPrefix))
	defer it.Release()
	n := 0
	for it.Next() {
		var a appointment.Appointment
		if err := rlp.DecodeBytes(it.Value(), &a); err != nil {
			return perrors.Wrap(perrors.TransientIoError, err, "corrupt appointment record during replay")
		}
		cp := a
		s.byID[a.ID] = &cp
		s.byLocator[a.Locator()] = &cp
		n++
	}
	if err := it.Error(); err != nil {
		return perrors.Wrap(perrors.TransientIoError, err, "failed to replay appointment log")
	}
	logger.Info("replayed appointment store", "count", n)
	return nil
}

func idKey(id uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return append([]byte(idPrefix), buf[:]...)
}

// ErrJobIDTooLow is returned by AddOrUpdateByLocator when the incoming
// appointment's (customerId, jobId) does not exceed the currently stored
// one for the same locator, spec.md §4.2.
var ErrJobIDTooLow = jobIDTooLowError{}

type jobIDTooLowError struct{}

func (jobIDTooLowError) Error() string { return "store: job id too low for locator" }

func (s *Store) lockFor(loc appointment.Locator) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[loc]
	if !ok {
		l = &sync.Mutex{}
		s.locks[loc] = l
	}
	return l
}

// AddOrUpdateByLocator implements spec.md §4.2: insert if no entry exists
// for a.Locator(); replace the existing entry if a's (customerId, jobId) is
// strictly greater; otherwise fail with ErrJobIDTooLow. All index mutations
// for a given locator happen under that locator's mutex.
func (s *Store) AddOrUpdateByLocator(a *appointment.Appointment) error {
	if err := a.Validate(); err != nil {
		return perrors.Wrap(perrors.PublicValidationError, err, "invalid appointment")
	}
	loc := a.Locator()
	lock := s.lockFor(loc)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	existing, exists := s.byLocator[loc]
	s.mu.RUnlock()

	if exists {
		if !existing.JobKey().Less(a.JobKey()) {
			return ErrJobIDTooLow
		}
	}

	cp := *a
	enc, err := rlp.EncodeToBytes(&cp)
	if err != nil {
		return perrors.Wrap(perrors.ArgumentError, err, "failed to encode appointment")
	}

	batch := s.kv.NewBatch()
	if exists {
		batch.Delete(idKey(existing.ID))
	}
	batch.Put(idKey(a.ID), enc)
	if err := batch.Write(); err != nil {
		return perrors.Wrap(perrors.TransientIoError, err, "failed to persist appointment")
	}

	s.mu.Lock()
	if exists {
		delete(s.byID, existing.ID)
	}
	s.byID[a.ID] = &cp
	s.byLocator[loc] = &cp
	s.mu.Unlock()

	return nil
}

// RemoveByID removes the appointment with the given id, idempotently.
// Returns whether anything was removed, spec.md §4.2.
func (s *Store) RemoveByID(id uint64) (bool, error) {
	s.mu.RLock()
	a, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}

	loc := a.Locator()
	lock := s.lockFor(loc)
	lock.Lock()
	defer lock.Unlock()

	// Re-check under the locator lock: another writer may have already
	// superseded this id for the same locator between the two reads above.
	s.mu.RLock()
	a, ok = s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}

	if err := s.kv.Delete(idKey(id)); err != nil {
		return false, perrors.Wrap(perrors.TransientIoError, err, "failed to delete appointment")
	}

	s.mu.Lock()
	delete(s.byID, id)
	if s.byLocator[loc] != nil && s.byLocator[loc].ID == id {
		delete(s.byLocator, loc)
	}
	s.mu.Unlock()

	return true, nil
}

// GetAll returns a point-in-time snapshot of every stored appointment,
// spec.md §4.2's "snapshot iterator over current entries".
func (s *Store) GetAll() []*appointment.Appointment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*appointment.Appointment, 0, len(s.byID))
	for _, a := range s.byID {
		out = append(out, a)
	}
	return out
}

// GetExpiredSince returns every stored appointment whose endBlock is below
// block, spec.md §4.2's "lazy sequence of entries with endBlock < block" —
// computed over the same point-in-time snapshot GetAll takes.
func (s *Store) GetExpiredSince(block uint64) []*appointment.Appointment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*appointment.Appointment
	for _, a := range s.byID {
		if a.EndBlock < block {
			out = append(out, a)
		}
	}
	return out
}

// GetByID returns the appointment for id, if present.
func (s *Store) GetByID(id uint64) (*appointment.Appointment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	return a, ok
}

// GetByLocator returns the currently active appointment for loc, if any.
func (s *Store) GetByLocator(loc appointment.Locator) (*appointment.Appointment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byLocator[loc]
	return a, ok
}

// Close closes the backing log.
func (s *Store) Close() error {
	return s.kv.Close()
}
