// Package ethrpc adapts github.com/ethereum/go-ethereum's ethclient to the
// chain.RPC port. The particular Ethereum RPC client PISA talks to is named
// out of scope by spec.md §1 ("the particular Ethereum RPC client"); this
// adapter exists only so cmd/pisad has something concrete to dial, the same
// relationship the teacher's networks/rpc client has to the services it
// fronts.
package ethrpc

import (
	"context"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/pisaresearch/pisa/internal/chain"
)

// Client wraps an ethclient.Client as a chain.RPC.
type Client struct {
	c *ethclient.Client
}

// Dial connects to an Ethereum JSON-RPC endpoint at rawurl.
func Dial(ctx context.Context, rawurl string) (*Client, error) {
	c, err := ethclient.DialContext(ctx, rawurl)
	if err != nil {
		return nil, err
	}
	return &Client{c: c}, nil
}

func (cl *Client) GetCode(ctx context.Context, address common.Address) ([]byte, error) {
	return cl.c.CodeAt(ctx, address, nil)
}

func (cl *Client) GetBlockNumber(ctx context.Context) (uint64, error) {
	return cl.c.BlockNumber(ctx)
}

func (cl *Client) GetTransactionCount(ctx context.Context, address common.Address, blockTag string) (uint64, error) {
	if blockTag == "pending" {
		return cl.c.PendingNonceAt(ctx, address)
	}
	return cl.c.NonceAt(ctx, address, nil)
}

func (cl *Client) GetGasPrice(ctx context.Context) (*big.Int, error) {
	return cl.c.SuggestGasPrice(ctx)
}

func (cl *Client) GetNetwork(ctx context.Context) (*big.Int, error) {
	return cl.c.ChainID(ctx)
}

// GetBlock fetches a block by tag ("latest" or a decimal number) and, when
// fullTx is set, every log it contains, regardless of address/topic, so the
// Watcher's reducer can match against arbitrary appointment filters locally.
func (cl *Client) GetBlock(ctx context.Context, blockTag string, fullTx bool) (*chain.Block, error) {
	number, err := blockNumber(blockTag)
	if err != nil {
		return nil, err
	}
	b, err := cl.c.BlockByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	hash := b.Hash()

	var logs []chain.Log
	if fullTx {
		raw, err := cl.c.FilterLogs(ctx, ethereum.FilterQuery{BlockHash: &hash})
		if err != nil {
			return nil, err
		}
		logs = make([]chain.Log, 0, len(raw))
		for _, l := range raw {
			logs = append(logs, chain.Log{Address: l.Address, Topics: l.Topics, Data: l.Data})
		}
	}

	txs := make([]chain.Transaction, 0, len(b.Transactions()))
	for _, tx := range b.Transactions() {
		from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
		if err != nil {
			continue // unable to recover sender: skip, it cannot match a tracked identifier anyway
		}
		to := common.Address{}
		if tx.To() != nil {
			to = *tx.To()
		}
		txs = append(txs, chain.Transaction{
			From:     from,
			To:       to,
			Nonce:    tx.Nonce(),
			Data:     tx.Data(),
			Value:    tx.Value(),
			GasLimit: tx.Gas(),
			ChainID:  tx.ChainId(),
		})
	}

	return &chain.Block{
		Hash:         hash,
		ParentHash:   b.ParentHash(),
		Number:       b.NumberU64(),
		Logs:         logs,
		Transactions: txs,
	}, nil
}

func (cl *Client) SendTransaction(ctx context.Context, tx *chain.SignedTransaction) error {
	var decoded types.Transaction
	if err := decoded.UnmarshalBinary(tx.Raw); err != nil {
		return err
	}
	return cl.c.SendTransaction(ctx, &decoded)
}

func (cl *Client) Call(ctx context.Context, contract common.Address, method string, args ...interface{}) ([]byte, error) {
	data, ok := args[0].([]byte)
	if !ok {
		return nil, errInvalidCallArgs
	}
	return cl.c.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
}

// pollSubscription is a poll-based chain.HeadSubscription: it re-fetches
// "latest" every interval and emits a head only when its number advances.
// A real deployment would prefer ethclient.SubscribeNewHead where the
// endpoint supports it; polling is the lowest-common-denominator choice so
// this adapter works against plain HTTP JSON-RPC too.
type pollSubscription struct {
	heads  chan *chain.Block
	errs   chan error
	cancel context.CancelFunc
}

// SubscribeHeads starts a poll-based head subscription against interval.
func (cl *Client) SubscribeHeads(ctx context.Context, interval time.Duration) chain.HeadSubscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &pollSubscription{
		heads:  make(chan *chain.Block),
		errs:   make(chan error, 1),
		cancel: cancel,
	}
	go s.run(ctx, cl, interval)
	return s
}

func (s *pollSubscription) run(ctx context.Context, cl *Client, interval time.Duration) {
	defer close(s.heads)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastNumber uint64
	haveLast := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b, err := cl.GetBlock(ctx, "latest", true)
			if err != nil {
				select {
				case s.errs <- err:
				default:
				}
				continue
			}
			if haveLast && b.Number <= lastNumber {
				continue
			}
			lastNumber = b.Number
			haveLast = true
			select {
			case s.heads <- b:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *pollSubscription) Heads() <-chan *chain.Block { return s.heads }
func (s *pollSubscription) Err() <-chan error          { return s.errs }
func (s *pollSubscription) Unsubscribe()               { s.cancel() }

func blockNumber(tag string) (*big.Int, error) {
	if tag == "" || tag == "latest" {
		return nil, nil
	}
	n, ok := new(big.Int).SetString(tag, 10)
	if !ok {
		return nil, errInvalidBlockTag
	}
	return n, nil
}

var errInvalidBlockTag = invalidArgError("ethrpc: invalid block tag")
var errInvalidCallArgs = invalidArgError("ethrpc: Call expects a single []byte argument (the ABI-encoded calldata)")

type invalidArgError string

func (e invalidArgError) Error() string { return string(e) }
