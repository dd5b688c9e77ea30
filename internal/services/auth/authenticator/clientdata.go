package authenticator

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Ceremony types carried in client data JSON.
const (
	CeremonyCreate = "webauthn.create"
	CeremonyAssert = "webauthn.get"
)

// ClientData is the parsed clientDataJSON a browser produces for a ceremony.
type ClientData struct {
	Type        string `json:"type"`
	Challenge   string `json:"challenge"`
	Origin      string `json:"origin"`
	CrossOrigin bool   `json:"crossOrigin,omitempty"`
}

// DecodeClientData parses client data JSON.
func DecodeClientData(raw []byte) (ClientData, error) {
	var data ClientData
	if err := json.Unmarshal(raw, &data); err != nil {
		return ClientData{}, fmt.Errorf("decode client data: %w", err)
	}
	if data.Type == "" || data.Challenge == "" || data.Origin == "" {
		return ClientData{}, fmt.Errorf("client data missing type, challenge, or origin")
	}
	return data, nil
}

// ChallengeEquals reports whether the base64url challenge echoed by the
// client matches value. The comparison is constant time so mismatches do
// not leak how many leading bytes were correct.
func (c ClientData) ChallengeEquals(value []byte) bool {
	echoed, err := base64.RawURLEncoding.DecodeString(c.Challenge)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(echoed, value) == 1
}
