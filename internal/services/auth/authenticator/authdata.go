package authenticator

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Authenticator data flag bits, per the WebAuthn authenticator data layout.
const (
	FlagUserPresent            = byte(1)
	FlagUserVerified           = byte(1 << 2)
	FlagBackupEligible         = byte(1 << 3)
	FlagBackedUp               = byte(1 << 4)
	FlagAttestedCredentialData = byte(1 << 6)
	FlagExtensionData          = byte(1 << 7)
)

// minDataLength is RP ID hash (32) + flags (1) + sign count (4).
const minDataLength = 37

// maxCredentialIDLength caps credential IDs at the protocol limit.
const maxCredentialIDLength = 1023

// Data is parsed authenticator data.
type Data struct {
	RPIDHash           []byte
	Flags              byte
	SignCount          uint32
	AttestedCredential *AttestedCredentialData
}

// AttestedCredentialData carries the credential an authenticator minted
// during registration. PublicKey holds the raw COSE key bytes; parse them
// with ParsePublicKey when signature verification is needed.
type AttestedCredentialData struct {
	AAGUID       []byte
	CredentialID []byte
	PublicKey    []byte
}

// UserPresent reports whether the user-present flag is set.
func (d *Data) UserPresent() bool { return d.Flags&FlagUserPresent != 0 }

// UserVerified reports whether the user-verified flag is set.
func (d *Data) UserVerified() bool { return d.Flags&FlagUserVerified != 0 }

// BackedUp reports whether the credential is currently backed up.
func (d *Data) BackedUp() bool { return d.Flags&FlagBackedUp != 0 }

// RPIDHashEquals reports whether the data was produced for the relying
// party whose ID hashes to expected.
func (d *Data) RPIDHashEquals(expected []byte) bool {
	return bytes.Equal(d.RPIDHash, expected)
}

// Unmarshal parses authenticator data.
//
// Attested credential data is decoded only when its flag is set; extension
// data is decoded to validate framing and then discarded. Trailing garbage
// after the declared structures is an error.
func Unmarshal(src []byte) (Data, error) {
	if len(src) < minDataLength {
		return Data{}, fmt.Errorf("authenticator data too short: %d bytes", len(src))
	}

	d := Data{
		RPIDHash:  src[0:32],
		Flags:     src[32],
		SignCount: binary.BigEndian.Uint32(src[33:37]),
	}
	rest := src[minDataLength:]

	if d.Flags&FlagAttestedCredentialData != 0 {
		attested, remaining, err := unmarshalAttestedCredential(rest)
		if err != nil {
			return Data{}, err
		}
		d.AttestedCredential = attested
		rest = remaining
	}

	if d.Flags&FlagExtensionData != 0 {
		dec := cbor.NewDecoder(bytes.NewReader(rest))
		var extensions cbor.RawMessage
		if err := dec.Decode(&extensions); err != nil {
			return Data{}, fmt.Errorf("decode extension data: %w", err)
		}
		rest = rest[dec.NumBytesRead():]
	}

	if len(rest) != 0 {
		return Data{}, fmt.Errorf("authenticator data has %d trailing bytes", len(rest))
	}
	return d, nil
}

func unmarshalAttestedCredential(src []byte) (*AttestedCredentialData, []byte, error) {
	// AAGUID (16) + credential ID length (2).
	if len(src) < 18 {
		return nil, nil, fmt.Errorf("attested credential data too short: %d bytes", len(src))
	}

	credLen := int(binary.BigEndian.Uint16(src[16:18]))
	if credLen == 0 || credLen > maxCredentialIDLength {
		return nil, nil, fmt.Errorf("credential id length %d out of range", credLen)
	}
	if len(src) < 18+credLen {
		return nil, nil, fmt.Errorf("credential id truncated: want %d bytes, have %d", credLen, len(src)-18)
	}

	attested := &AttestedCredentialData{
		AAGUID:       src[0:16],
		CredentialID: src[18 : 18+credLen],
	}

	dec := cbor.NewDecoder(bytes.NewReader(src[18+credLen:]))
	var publicKey cbor.RawMessage
	if err := dec.Decode(&publicKey); err != nil {
		return nil, nil, fmt.Errorf("decode credential public key: %w", err)
	}
	attested.PublicKey = []byte(publicKey)

	return attested, src[18+credLen+dec.NumBytesRead():], nil
}

// Marshal encodes authenticator data back into its wire form. The attested
// credential data flag is derived from the struct, not trusted from Flags.
func Marshal(d *Data) ([]byte, error) {
	if len(d.RPIDHash) != 32 {
		return nil, fmt.Errorf("rp id hash must be 32 bytes, got %d", len(d.RPIDHash))
	}

	flags := d.Flags
	if d.AttestedCredential != nil {
		flags |= FlagAttestedCredentialData
	} else {
		flags &^= FlagAttestedCredentialData
	}

	var buf bytes.Buffer
	buf.Write(d.RPIDHash)
	buf.WriteByte(flags)

	var count [4]byte
	binary.BigEndian.PutUint32(count[:], d.SignCount)
	buf.Write(count[:])

	if d.AttestedCredential != nil {
		attested := d.AttestedCredential
		if len(attested.AAGUID) != 16 {
			return nil, fmt.Errorf("aaguid must be 16 bytes, got %d", len(attested.AAGUID))
		}
		if len(attested.CredentialID) == 0 || len(attested.CredentialID) > maxCredentialIDLength {
			return nil, fmt.Errorf("credential id length %d out of range", len(attested.CredentialID))
		}
		buf.Write(attested.AAGUID)
		var credLen [2]byte
		binary.BigEndian.PutUint16(credLen[:], uint16(len(attested.CredentialID)))
		buf.Write(credLen[:])
		buf.Write(attested.CredentialID)
		buf.Write(attested.PublicKey)
	}

	return buf.Bytes(), nil
}
