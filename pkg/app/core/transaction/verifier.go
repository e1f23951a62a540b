package transaction

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperescrow/pkg/crypto"
)

// ErrBadSignature is returned when the recovered signer is not the sender.
var ErrBadSignature = errors.New("signature does not match sender")

// Verifier checks action signatures under one EIP-712 domain
type Verifier struct {
	eip712Signer *crypto.EIP712Signer
}

func NewVerifier(domain crypto.EIP712Domain) *Verifier {
	return &Verifier{eip712Signer: crypto.NewEIP712Signer(domain)}
}

// Verify recovers the signer of a and requires it to be a.Sender.
func (v *Verifier) Verify(a *SignedAction) (common.Address, error) {
	signer, err := v.RecoverSigner(a)
	if err != nil {
		return common.Address{}, err
	}
	if signer != a.Sender {
		return common.Address{}, fmt.Errorf("%w: recovered %s, sender %s", ErrBadSignature, signer.Hex(), a.Sender.Hex())
	}
	return signer, nil
}

// RecoverSigner returns whoever signed the action, without comparing it to
// the declared sender.
func (v *Verifier) RecoverSigner(a *SignedAction) (common.Address, error) {
	sig, err := crypto.DecodeSignature(a.Signature)
	if err != nil {
		return common.Address{}, err
	}
	addr, err := v.eip712Signer.RecoverActionSigner(a.Envelope(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("signature verification failed: %w", err)
	}
	return addr, nil
}

// Sign fills a.Signature using signer. a.Sender is set to the signer's address.
func Sign(domain crypto.EIP712Domain, signer *crypto.Signer, a *SignedAction) error {
	a.Sender = signer.Address()
	sig, err := crypto.NewEIP712Signer(domain).SignAction(signer, a.Envelope())
	if err != nil {
		return err
	}
	a.Signature = fmt.Sprintf("0x%x", sig)
	return nil
}
