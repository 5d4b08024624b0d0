// Package appointment defines the Appointment data model of spec.md §3: the
// accepted job a customer hires the tower to watch for (or relay
// immediately), its locator-based deduplication key, and the canonical
// encoding its receipt signature is computed over.
package appointment

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/pisaresearch/pisa/internal/chain"
)

// Mode selects whether the appointment fires on an observed event (Watch)
// or immediately on admission (Relay), spec.md §3.
type Mode uint8

const (
	Watch Mode = 0
	Relay Mode = 1
)

func (m Mode) String() string {
	if m == Relay {
		return "Relay"
	}
	return "Watch"
}

// Locator is the hash over (contractAddress, eventTopics): the semantic key
// the store deduplicates on, spec.md §3.
type Locator common.Hash

// Appointment is an accepted job, immutable after admission.
type Appointment struct {
	ID uint64

	CustomerID uint64
	JobID      uint64
	Nonce      uint64

	ContractAddress common.Address
	Data            []byte
	GasLimit        uint64
	Value           *big.Int

	EventFilter chain.EventFilter

	StartBlock uint64
	EndBlock   uint64

	Mode Mode

	PaymentHash    common.Hash
	Refund         *big.Int
	PostCondition  []byte
	ChallengePeriod uint64
}

// canonicalFields is the fixed field order spec.md §6 "Receipt signature"
// packs before hashing: every customer-controlled field plus the tower's
// decision inputs, in declaration order. Held in its own struct so the wire
// layout is pinned independently of Appointment's own field
// order (which may grow without changing what gets signed).
type canonicalFields struct {
	ID              uint64
	CustomerID      uint64
	JobID           uint64
	Nonce           uint64
	ContractAddress common.Address
	Data            []byte
	GasLimit        uint64
	Value           *big.Int
	FilterAddress   common.Address
	FilterTopics    []common.Hash
	StartBlock      uint64
	EndBlock        uint64
	Mode            uint8
	PaymentHash     common.Hash
	Refund          *big.Int
	PostCondition   []byte
	ChallengePeriod uint64
}

func (a *Appointment) canonical() canonicalFields {
	value := a.Value
	if value == nil {
		value = new(big.Int)
	}
	refund := a.Refund
	if refund == nil {
		refund = new(big.Int)
	}
	return canonicalFields{
		ID:              a.ID,
		CustomerID:      a.CustomerID,
		JobID:           a.JobID,
		Nonce:           a.Nonce,
		ContractAddress: a.ContractAddress,
		Data:            a.Data,
		GasLimit:        a.GasLimit,
		Value:           value,
		FilterAddress:   a.EventFilter.Address,
		FilterTopics:    a.EventFilter.Topics,
		StartBlock:      a.StartBlock,
		EndBlock:        a.EndBlock,
		Mode:            uint8(a.Mode),
		PaymentHash:     a.PaymentHash,
		Refund:          refund,
		PostCondition:   a.PostCondition,
		ChallengePeriod: a.ChallengePeriod,
	}
}

// Encode returns the canonical RLP packing spec.md §6 signs: pack is the
// fixed field order above, each field in its canonical binary form.
func (a *Appointment) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(a.canonical())
}

// Digest returns keccak256(pack(appointment-canonical-fields)), the digest
// spec.md §6 signs (before the Ethereum signed-message prefix is applied).
func (a *Appointment) Digest() (common.Hash, error) {
	enc, err := a.Encode()
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(enc), nil
}

// Locator computes the hash over (contractAddress, eventTopics) spec.md §3
// defines as the semantic dedup key.
func (a *Appointment) Locator() Locator {
	topics := a.EventFilter.Topics
	data := make([]byte, 0, common.AddressLength+len(topics)*common.HashLength)
	data = append(data, a.ContractAddress.Bytes()...)
	for _, t := range topics {
		data = append(data, t.Bytes()...)
	}
	return Locator(crypto.Keccak256Hash(data))
}

// JobKey orders two appointments for the same locator: the stored
// appointment is the one with the highest (customerId, jobId) ever
// admitted, spec.md §3's replacement invariant.
type JobKey struct {
	CustomerID uint64
	JobID      uint64
}

func (a *Appointment) JobKey() JobKey {
	return JobKey{CustomerID: a.CustomerID, JobID: a.JobID}
}

// Less reports whether k sorts strictly before other under the
// (customerId, jobId) ordering spec.md §3/§4.2 require.
func (k JobKey) Less(other JobKey) bool {
	if k.CustomerID != other.CustomerID {
		return k.CustomerID < other.CustomerID
	}
	return k.JobID < other.JobID
}

// Validate checks the structural invariants of spec.md §3 independent of
// chain state: startBlock <= endBlock, both non-negative (guaranteed by the
// unsigned types here), and the well-formedness the wire layer already
// enforces by using fixed-width types.
func (a *Appointment) Validate() error {
	if a.StartBlock > a.EndBlock {
		return errStartAfterEnd
	}
	return nil
}

var errStartAfterEnd = invalidAppointmentError("startBlock must be <= endBlock")

type invalidAppointmentError string

func (e invalidAppointmentError) Error() string { return string(e) }
