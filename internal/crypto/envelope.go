package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Envelope is the persisted form of a sealed value. Label is bound as
// additional data, so an envelope only opens under the label it was sealed for.
type Envelope struct {
	KeyID      string `json:"key_id"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Sealer encrypts persisted values with the current master key and opens
// values sealed with any known key, which allows key rotation.
type Sealer struct {
	currentKeyID string
	aeads        map[string]cipher.AEAD
}

func NewSealer(currentKeyID string, keys map[string][]byte) (*Sealer, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("keys map is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	aeads := make(map[string]cipher.AEAD, len(keys))
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("new cipher %q: %w", id, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("new gcm %q: %w", id, err)
		}
		aeads[id] = aead
	}
	return &Sealer{currentKeyID: currentKeyID, aeads: aeads}, nil
}

func (s *Sealer) CurrentKeyID() string {
	return s.currentKeyID
}

// Seal returns the JSON envelope of value bound to label.
func (s *Sealer) Seal(label, value string) (string, error) {
	aead := s.aeads[s.currentKeyID]
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	env := Envelope{
		KeyID:      s.currentKeyID,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, []byte(value), []byte(label))),
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(b), nil
}

// Open reverses Seal. Values that are not envelopes are returned unchanged so
// entries written before sealing was enabled stay readable.
func (s *Sealer) Open(label, raw string) (string, error) {
	env, ok := parseEnvelope(raw)
	if !ok {
		return raw, nil
	}
	aead, ok := s.aeads[env.KeyID]
	if !ok {
		return "", fmt.Errorf("unknown key id %q", env.KeyID)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return "", fmt.Errorf("nonce has %d bytes, want %d", len(nonce), aead.NonceSize())
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(label))
	if err != nil {
		return "", fmt.Errorf("decrypt %s: %w", label, err)
	}
	return string(plain), nil
}

// Reseal opens raw and seals it again under the current key.
func (s *Sealer) Reseal(label, raw string) (string, error) {
	plain, err := s.Open(label, raw)
	if err != nil {
		return "", err
	}
	return s.Seal(label, plain)
}

// Stale reports whether raw is an envelope sealed under a key other than the
// current one.
func (s *Sealer) Stale(raw string) bool {
	env, ok := parseEnvelope(raw)
	return ok && env.KeyID != s.currentKeyID
}

func IsSealed(raw string) bool {
	_, ok := parseEnvelope(raw)
	return ok
}

func parseEnvelope(raw string) (Envelope, bool) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "{") {
		return Envelope{}, false
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Envelope{}, false
	}
	if env.KeyID == "" || env.Nonce == "" || env.Ciphertext == "" {
		return Envelope{}, false
	}
	return env, true
}
