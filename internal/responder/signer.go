package responder

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/pisaresearch/pisa/internal/chain"
)

// TxSigner produces a signed, ready-to-broadcast transaction for the one
// signing address a Responder owns, spec.md §4.5/§5's wallet-exclusivity
// invariant.
type TxSigner interface {
	Address() common.Address
	SignTransaction(chainID *big.Int, to common.Address, nonce uint64, gasPrice *big.Int, gasLimit uint64, value *big.Int, data []byte) (*chain.SignedTransaction, error)
}

type ecdsaTxSigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewTxSigner wraps a single ECDSA key as a TxSigner.
func NewTxSigner(key *ecdsa.PrivateKey) TxSigner {
	return &ecdsaTxSigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

func (s *ecdsaTxSigner) Address() common.Address { return s.addr }

func (s *ecdsaTxSigner) SignTransaction(chainID *big.Int, to common.Address, nonce uint64, gasPrice *big.Int, gasLimit uint64, value *big.Int, data []byte) (*chain.SignedTransaction, error) {
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(chainID), s.key)
	if err != nil {
		return nil, err
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &chain.SignedTransaction{
		Identifier: chain.NewIdentifier(chainID, to, data, value, gasLimit),
		Nonce:      nonce,
		GasPrice:   new(big.Int).Set(gasPrice),
		Raw:        raw,
		Hash:       signed.Hash(),
	}, nil
}
