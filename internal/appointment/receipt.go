package appointment

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Receipt is the {appointment, signature} the admission pipeline returns to
// the customer on success, spec.md §3/§6.
type Receipt struct {
	Appointment *Appointment
	Signature   []byte
}

// Signer signs accepted appointments with the tower's key. It is a single
// capability interface so admission does not depend on key-management
// concerns beyond "produce a signature over this digest" (spec.md §9's
// "capability abstraction" design note; multi-signer key management is a
// named Non-goal in spec.md §1).
type Signer interface {
	Sign(digest common.Hash) ([]byte, error)
	Address() common.Address
}

type ecdsaSigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewSigner wraps a single ECDSA key as a Signer.
func NewSigner(key *ecdsa.PrivateKey) Signer {
	return &ecdsaSigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

func (s *ecdsaSigner) Address() common.Address { return s.addr }

// Sign signs "\x19Ethereum Signed Message\n" ∥ len ∥ digest, spec.md §6.
func (s *ecdsaSigner) Sign(digest common.Hash) ([]byte, error) {
	prefixed := signHash(digest)
	return crypto.Sign(prefixed.Bytes(), s.key)
}

func signHash(digest common.Hash) common.Hash {
	msg := fmt.Sprintf("\x19Ethereum Signed Message\n%d", len(digest))
	return crypto.Keccak256Hash([]byte(msg), digest.Bytes())
}

// Sign produces the receipt for a for a validated appointment: sign(keccak(encode(a)))
// using the tower's key, spec.md §4.3 step "Sign a receipt".
func Sign(a *Appointment, signer Signer) (*Receipt, error) {
	digest, err := a.Digest()
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(digest)
	if err != nil {
		return nil, err
	}
	return &Receipt{Appointment: a, Signature: sig}, nil
}

// VerifyReceiptSignature recovers the signer address from sig over a's
// canonical digest; used by customers (and by tests) to check a receipt,
// not by the core admission path itself.
func VerifyReceiptSignature(a *Appointment, sig []byte) (common.Address, error) {
	digest, err := a.Digest()
	if err != nil {
		return common.Address{}, err
	}
	prefixed := signHash(digest)
	pub, err := crypto.SigToPub(prefixed.Bytes(), sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
