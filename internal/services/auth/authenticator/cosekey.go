package authenticator

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"math/big"

	"github.com/fxamacker/cbor/v2"
	"github.com/ldclabs/cose/iana"
)

// PublicKey is a parsed COSE credential public key.
type PublicKey struct {
	Algorithm int64            // COSE algorithm identifier
	Key       crypto.PublicKey // *ecdsa.PublicKey, ed25519.PublicKey, or *rsa.PublicKey
	Raw       []byte           // original COSE encoding, persisted with the credential
}

// coseKeyBase carries the two labels shared by every COSE key type.
type coseKeyBase struct {
	KeyType   int64 `cbor:"1,keyasint"`
	Algorithm int64 `cbor:"3,keyasint"`
}

type coseEC2Key struct {
	Curve int64  `cbor:"-1,keyasint"`
	X     []byte `cbor:"-2,keyasint"`
	Y     []byte `cbor:"-3,keyasint"`
}

type coseOKPKey struct {
	Curve int64  `cbor:"-1,keyasint"`
	X     []byte `cbor:"-2,keyasint"`
}

type coseRSAKey struct {
	Modulus  []byte `cbor:"-1,keyasint"`
	Exponent []byte `cbor:"-2,keyasint"`
}

// ParsePublicKey decodes a COSE public key. Supported combinations are
// EC2/P-256 with ES256, OKP/Ed25519 with EdDSA, and RSA with RS256 — the
// algorithms this service offers at registration.
func ParsePublicKey(raw []byte) (*PublicKey, error) {
	var base coseKeyBase
	if err := cbor.Unmarshal(raw, &base); err != nil {
		return nil, fmt.Errorf("decode cose key: %w", err)
	}

	switch base.KeyType {
	case int64(iana.KeyTypeEC2):
		return parseEC2Key(raw, base.Algorithm)
	case int64(iana.KeyTypeOKP):
		return parseOKPKey(raw, base.Algorithm)
	case int64(iana.KeyTypeRSA):
		return parseRSAKey(raw, base.Algorithm)
	}
	return nil, fmt.Errorf("unsupported cose key type %d", base.KeyType)
}

func parseEC2Key(raw []byte, algorithm int64) (*PublicKey, error) {
	if algorithm != int64(iana.AlgorithmES256) {
		return nil, fmt.Errorf("unsupported ec2 algorithm %d", algorithm)
	}
	var params coseEC2Key
	if err := cbor.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("decode ec2 key: %w", err)
	}
	if params.Curve != int64(iana.EllipticCurveP_256) {
		return nil, fmt.Errorf("unsupported ec2 curve %d", params.Curve)
	}
	if len(params.X) != 32 || len(params.Y) != 32 {
		return nil, fmt.Errorf("ec2 coordinates must be 32 bytes, got %d/%d", len(params.X), len(params.Y))
	}

	key := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(params.X),
		Y:     new(big.Int).SetBytes(params.Y),
	}
	if !key.Curve.IsOnCurve(key.X, key.Y) {
		return nil, fmt.Errorf("ec2 point is not on P-256")
	}
	return &PublicKey{Algorithm: algorithm, Key: key, Raw: raw}, nil
}

func parseOKPKey(raw []byte, algorithm int64) (*PublicKey, error) {
	if algorithm != int64(iana.AlgorithmEdDSA) {
		return nil, fmt.Errorf("unsupported okp algorithm %d", algorithm)
	}
	var params coseOKPKey
	if err := cbor.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("decode okp key: %w", err)
	}
	if params.Curve != int64(iana.EllipticCurveEd25519) {
		return nil, fmt.Errorf("unsupported okp curve %d", params.Curve)
	}
	if len(params.X) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("okp key must be %d bytes, got %d", ed25519.PublicKeySize, len(params.X))
	}
	return &PublicKey{Algorithm: algorithm, Key: ed25519.PublicKey(params.X), Raw: raw}, nil
}

func parseRSAKey(raw []byte, algorithm int64) (*PublicKey, error) {
	if algorithm != int64(iana.AlgorithmRS256) {
		return nil, fmt.Errorf("unsupported rsa algorithm %d", algorithm)
	}
	var params coseRSAKey
	if err := cbor.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("decode rsa key: %w", err)
	}
	if len(params.Modulus) < 256 {
		return nil, fmt.Errorf("rsa modulus too small: %d bytes", len(params.Modulus))
	}
	exponent := new(big.Int).SetBytes(params.Exponent)
	if !exponent.IsInt64() || exponent.Int64() < 3 || exponent.Int64() > 1<<31-1 {
		return nil, fmt.Errorf("rsa exponent out of range")
	}

	key := &rsa.PublicKey{
		N: new(big.Int).SetBytes(params.Modulus),
		E: int(exponent.Int64()),
	}
	return &PublicKey{Algorithm: algorithm, Key: key, Raw: raw}, nil
}

// Verify checks signature over message with the algorithm the key declares.
// ECDSA signatures are ASN.1 DER as WebAuthn transmits them.
func (k *PublicKey) Verify(message, signature []byte) error {
	switch key := k.Key.(type) {
	case *ecdsa.PublicKey:
		digest := sha256.Sum256(message)
		if !ecdsa.VerifyASN1(key, digest[:], signature) {
			return fmt.Errorf("ecdsa signature mismatch")
		}
		return nil
	case ed25519.PublicKey:
		if !ed25519.Verify(key, message, signature) {
			return fmt.Errorf("ed25519 signature mismatch")
		}
		return nil
	case *rsa.PublicKey:
		digest := sha256.Sum256(message)
		if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], signature); err != nil {
			return fmt.Errorf("rsa signature mismatch: %w", err)
		}
		return nil
	}
	return fmt.Errorf("unsupported public key type %T", k.Key)
}
