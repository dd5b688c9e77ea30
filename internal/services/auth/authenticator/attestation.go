package authenticator

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Attestation statement formats this service understands.
const (
	FormatNone   = "none"
	FormatPacked = "packed"
)

// AttestationObject is the CBOR envelope returned by an authenticator at
// registration time.
type AttestationObject struct {
	Format    string          `cbor:"fmt"`
	Statement cbor.RawMessage `cbor:"attStmt"`
	AuthData  []byte          `cbor:"authData"`
}

// DecodeAttestationObject parses an attestation object envelope. The
// authenticator data and the statement stay raw; callers decode each with
// Unmarshal and the per-format statement decoders.
func DecodeAttestationObject(raw []byte) (AttestationObject, error) {
	var obj AttestationObject
	if err := cbor.Unmarshal(raw, &obj); err != nil {
		return AttestationObject{}, fmt.Errorf("decode attestation object: %w", err)
	}
	if obj.Format == "" {
		return AttestationObject{}, fmt.Errorf("attestation object missing format")
	}
	if len(obj.AuthData) == 0 {
		return AttestationObject{}, fmt.Errorf("attestation object missing authenticator data")
	}
	return obj, nil
}

// PackedStatement is the "packed" attestation statement.
type PackedStatement struct {
	Algorithm int64    `cbor:"alg"`
	Signature []byte   `cbor:"sig"`
	X5C       [][]byte `cbor:"x5c"`
}

// SelfAttested reports whether the statement carries no certificate chain,
// meaning the credential key itself produced the signature.
func (s *PackedStatement) SelfAttested() bool {
	return len(s.X5C) == 0
}

// DecodePackedStatement parses a packed attestation statement.
func DecodePackedStatement(raw cbor.RawMessage) (PackedStatement, error) {
	var stmt PackedStatement
	if err := cbor.Unmarshal(raw, &stmt); err != nil {
		return PackedStatement{}, fmt.Errorf("decode packed statement: %w", err)
	}
	if stmt.Algorithm == 0 {
		return PackedStatement{}, fmt.Errorf("packed statement missing algorithm")
	}
	if len(stmt.Signature) == 0 {
		return PackedStatement{}, fmt.Errorf("packed statement missing signature")
	}
	return stmt, nil
}
