// Package chain holds the block/log/transaction data model of spec.md §3
// and the RPC port PISA consumes from the underlying Ethereum node (§6).
// The concrete client is an external collaborator (spec.md §1 names "the
// particular Ethereum RPC client" out of scope); this package only defines
// the shapes and the interface other packages program against, using
// github.com/ethereum/go-ethereum's common.Address/common.Hash so the
// port composes with any real client built on that library (e.g. ethclient).
package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Log is an event log entry as exposed by a Block.
type Log struct {
	Address common.Address
	Topics  []common.Hash
	Data    []byte
}

// Transaction is the subset of on-chain transaction fields PISA's reducers
// need to recognize "our" mined payload among a block's transactions.
type Transaction struct {
	From     common.Address
	To       common.Address
	Nonce    uint64
	Data     []byte
	Value    *big.Int
	GasLimit uint64
	ChainID  *big.Int
}

// Block is a cache entry: spec.md §3's {hash, parentHash, number, logs[],
// transactions[]}.
type Block struct {
	Hash         common.Hash
	ParentHash   common.Hash
	Number       uint64
	Logs         []Log
	Transactions []Transaction
}

// EventFilter is an appointment's (address, topics[]) trigger, spec.md §3.
type EventFilter struct {
	Address common.Address
	Topics  []common.Hash
}

// Matches implements the log-match predicate of spec.md §4.4: the log's
// address equals the filter's, and every filter topic appears in the log's
// topics at the same index.
func (f EventFilter) Matches(l Log) bool {
	if l.Address != f.Address {
		return false
	}
	if len(f.Topics) > len(l.Topics) {
		return false
	}
	for i, t := range f.Topics {
		if l.Topics[i] != t {
			return false
		}
	}
	return true
}

// Identifier is the PisaTransactionIdentifier of spec.md §3: a tuple
// defining "the same transaction" independent of gas price/nonce.
type Identifier struct {
	ChainID  *big.Int
	To       common.Address
	Data     string // hex, comparable/hashable unlike []byte
	Value    *big.Int
	GasLimit uint64
}

// NewIdentifier builds an Identifier from raw call data bytes.
func NewIdentifier(chainID *big.Int, to common.Address, data []byte, value *big.Int, gasLimit uint64) Identifier {
	return Identifier{
		ChainID:  new(big.Int).Set(chainID),
		To:       to,
		Data:     common.Bytes2Hex(data),
		Value:    new(big.Int).Set(value),
		GasLimit: gasLimit,
	}
}

// Equal reports tuple equality, spec.md §3's "equality defines the same
// transaction".
func (id Identifier) Equal(other Identifier) bool {
	return id.ChainID.Cmp(other.ChainID) == 0 &&
		id.To == other.To &&
		id.Data == other.Data &&
		id.Value.Cmp(other.Value) == 0 &&
		id.GasLimit == other.GasLimit
}

// SignedTransaction is a transaction signed and ready for submission; the
// RPC port treats it opaquely.
type SignedTransaction struct {
	Identifier Identifier
	Nonce      uint64
	GasPrice   *big.Int
	Raw        []byte // RLP-encoded signed transaction
	Hash       common.Hash
}

// RPC is the chain-RPC port of spec.md §6, consumed by admission, the gas
// estimator, and the responder's broadcaster. internal/ethrpc implements it
// over go-ethereum's ethclient; tests exercise this package's consumers against a hand-written
// mock (see mock_rpc.go) built with github.com/golang/mock's gomock
// runtime.
type RPC interface {
	GetCode(ctx context.Context, address common.Address) ([]byte, error)
	GetBlockNumber(ctx context.Context) (uint64, error)
	GetTransactionCount(ctx context.Context, address common.Address, blockTag string) (uint64, error)
	GetGasPrice(ctx context.Context) (*big.Int, error)
	GetNetwork(ctx context.Context) (*big.Int, error)
	GetBlock(ctx context.Context, blockTag string, fullTx bool) (*Block, error)
	SendTransaction(ctx context.Context, tx *SignedTransaction) error
	Call(ctx context.Context, contract common.Address, method string, args ...interface{}) ([]byte, error)
}

// HeadSubscription delivers one Block per new head, the "block subscription
// delivering {hash, number, parentHash, logs, transactions}" of spec.md §6.
type HeadSubscription interface {
	Heads() <-chan *Block
	Err() <-chan error
	Unsubscribe()
}
