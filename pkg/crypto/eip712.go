package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain separates signatures between deployments of the engine.
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address // escrow address
}

// ActionEIP712 is the typed envelope a wallet signs for every escrow action.
// The action's arguments are bound through PayloadHash, the keccak256 of the
// JSON payload sent alongside the signature.
type ActionEIP712 struct {
	Kind        string
	Sender      common.Address
	Nonce       *big.Int
	Value       *big.Int
	PayloadHash common.Hash
}

// EIP712Signer hashes, signs and recovers actions under one domain
type EIP712Signer struct {
	domain EIP712Domain
}

func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

// DefaultChainID is the chain id of the local development domain.
const DefaultChainID = 1337

// DefaultDomain is the local development domain.
func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:    "HyperEscrow",
		Version: "1",
		ChainID: big.NewInt(DefaultChainID),
	}
}

// Domain returns the signer's domain.
func (e *EIP712Signer) Domain() EIP712Domain { return e.domain }

// PayloadHash is keccak256 over the raw payload bytes.
func PayloadHash(payload []byte) common.Hash {
	return crypto.Keccak256Hash(payload)
}

var actionTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Action": []apitypes.Type{
		{Name: "kind", Type: "string"},
		{Name: "sender", Type: "address"},
		{Name: "nonce", Type: "uint256"},
		{Name: "value", Type: "uint256"},
		{Name: "payloadHash", Type: "bytes32"},
	},
}

func (e *EIP712Signer) typedData(a *ActionEIP712) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       actionTypes,
		PrimaryType: "Action",
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"kind":        a.Kind,
			"sender":      a.Sender.Hex(),
			"nonce":       bigString(a.Nonce),
			"value":       bigString(a.Value),
			"payloadHash": a.PayloadHash.Hex(),
		},
	}
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// HashAction returns the digest keccak256("\x19\x01" || domainSeparator || hashStruct(action)).
func (e *EIP712Signer) HashAction(a *ActionEIP712) ([]byte, error) {
	if a.Value != nil && a.Value.Sign() < 0 {
		return nil, fmt.Errorf("negative value %s", a.Value)
	}
	td := e.typedData(a)

	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	structHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash action: %w", err)
	}

	raw := make([]byte, 0, 2+len(domainSeparator)+len(structHash))
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, structHash...)
	return crypto.Keccak256(raw), nil
}

// SignAction signs the action's digest with signer.
func (e *EIP712Signer) SignAction(signer *Signer, a *ActionEIP712) ([]byte, error) {
	hash, err := e.HashAction(a)
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to sign action: %w", err)
	}
	return sig, nil
}

// RecoverActionSigner returns the address whose key produced signature over a.
func (e *EIP712Signer) RecoverActionSigner(a *ActionEIP712, signature []byte) (common.Address, error) {
	hash, err := e.HashAction(a)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverAddress(hash, signature)
}

// ActionToJSON renders the typed data in the eth_signTypedData_v4 layout
func (e *EIP712Signer) ActionToJSON(a *ActionEIP712) (string, error) {
	out, err := json.MarshalIndent(e.typedData(a), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal typed data: %w", err)
	}
	return string(out), nil
}
