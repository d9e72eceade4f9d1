package payment

import (
	"encoding/base64"
	"encoding/json"

	"settlement-service/internal/fault"

	"github.com/go-playground/validator/v10"
)

// Proof schemes accepted in the X-Payment header.
const (
	SchemeTxHash     = "tx-hash"
	SchemeAuthorized = "signed-authorization"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Authorization carries the parameters of a signed off-chain payment
// authorization, meta-transaction style.
type Authorization struct {
	From        string `json:"from" validate:"required"`
	To          string `json:"to" validate:"required"`
	Value       string `json:"value" validate:"required,number"`
	Nonce       string `json:"nonce" validate:"required"`
	ValidBefore int64  `json:"validBefore" validate:"required"`
}

// Proof is the ephemeral payment evidence submitted by a buyer. It is
// consumed exactly once; Key() is the idempotency key.
type Proof struct {
	Scheme        string         `json:"scheme" validate:"required,oneof=tx-hash signed-authorization"`
	TxHash        string         `json:"txHash,omitempty" validate:"required_if=Scheme tx-hash"`
	Authorization *Authorization `json:"authorization,omitempty" validate:"required_if=Scheme signed-authorization"`
	Signature     string         `json:"signature,omitempty" validate:"required_if=Scheme signed-authorization"`
}

// DecodeProof parses the base64-encoded JSON proof carried in the payment
// header of a retried request.
func DecodeProof(header string) (*Proof, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fault.Validation("malformed_proof_header", "payment header is not valid base64")
	}

	var proof Proof
	if err := json.Unmarshal(raw, &proof); err != nil {
		return nil, fault.Validation("malformed_proof_header", "payment header is not valid JSON")
	}
	return &proof, nil
}

// Encode serializes the proof the way clients submit it. Used by tests and
// the SDK side.
func (p *Proof) Encode() string {
	raw, _ := json.Marshal(p)
	return base64.StdEncoding.EncodeToString(raw)
}

// Validate checks the proof is syntactically well-formed for its scheme.
func (p *Proof) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fault.Validation("malformed_proof", err.Error())
	}
	if p.Authorization != nil {
		if err := validate.Struct(p.Authorization); err != nil {
			return fault.Validation("malformed_authorization", err.Error())
		}
	}
	return nil
}

// Key returns the replay-protection identifier: the transaction hash for
// on-chain proofs, the authorization nonce otherwise.
func (p *Proof) Key() string {
	if p.Scheme == SchemeAuthorized && p.Authorization != nil {
		return p.Authorization.Nonce
	}
	return p.TxHash
}
