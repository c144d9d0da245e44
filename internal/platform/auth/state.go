package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// stateVersion is the current state payload schema version. Decoding accepts
// any version >= 1 so in-flight redirects survive a deployment that adds
// fields.
const stateVersion = 1

// stateTokenBytes is the entropy of a generated CSRF state value.
const stateTokenBytes = 32

// StatePayload is the structured payload round-tripped through the external
// identity provider inside the opaque "state" parameter. It is encoded, not
// encrypted, and must never carry secrets: the value is visible in redirect
// query strings.
type StatePayload struct {
	Version           int    `json:"v"`
	State             string `json:"state"`
	ClientRedirectURI string `json:"client_redirect_uri"`
	LaunchToken       string `json:"launch,omitempty"`
}

// StateCodec generates CSRF state values and encodes/decodes the structured
// state payload into a URL-safe opaque string.
type StateCodec struct{}

// Generate returns a cryptographically unpredictable URL-safe state value.
func (StateCodec) Generate() (string, error) {
	b := make([]byte, stateTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating state token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Encode serializes the payload into an opaque URL-safe token. A zero
// Version is stamped with the current schema version.
func (StateCodec) Encode(p StatePayload) (string, error) {
	if p.Version == 0 {
		p.Version = stateVersion
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding state payload: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// Decode is the inverse of Encode. Malformed input, including anything an
// attacker pasted into the state parameter, yields ok=false rather than an
// error, so callers fail the surrounding flow gracefully.
func (StateCodec) Decode(token string) (*StatePayload, bool) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, false
	}
	var p StatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, false
	}
	if p.Version < 1 || p.State == "" || p.ClientRedirectURI == "" {
		return nil, false
	}
	return &p, true
}
