package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

const KeySize = 32

var (
	ErrUnknownKey       = errors.New("unknown key id")
	ErrMalformedSealed  = errors.New("malformed sealed value")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// sealed is the at-rest JSON form of an encrypted secret.
type sealed struct {
	KeyID      string `json:"key_id"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type Keyring struct {
	currentKeyID string
	aeads        map[string]cipher.AEAD
}

func NewKeyring(currentKeyID string, keys map[string][]byte) (*Keyring, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	aeads := make(map[string]cipher.AEAD, len(keys))
	for id, key := range keys {
		if len(key) != KeySize {
			return nil, fmt.Errorf("key %q must be %d bytes", id, KeySize)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("new cipher for key %q: %w", id, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("new gcm for key %q: %w", id, err)
		}
		aeads[id] = aead
	}
	return &Keyring{currentKeyID: currentKeyID, aeads: aeads}, nil
}

func (k *Keyring) CurrentKeyID() string {
	return k.currentKeyID
}

// Seal encrypts plaintext under the current key and returns the JSON envelope.
// The key id is bound as additional data so an envelope cannot be relabeled.
func (k *Keyring) Seal(plaintext string) (string, error) {
	aead := k.aeads[k.currentKeyID]
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, []byte(plaintext), []byte(k.currentKeyID))

	b, err := json.Marshal(sealed{
		KeyID:      k.currentKeyID,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
	})
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(b), nil
}

func (k *Keyring) Open(raw string) (string, error) {
	var env sealed
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedSealed, err)
	}
	aead, ok := k.aeads[env.KeyID]
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownKey, env.KeyID)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonce) != aead.NonceSize() {
		return "", fmt.Errorf("%w: bad nonce", ErrMalformedSealed)
	}
	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: bad ciphertext", ErrMalformedSealed)
	}
	pt, err := aead.Open(nil, nonce, ct, []byte(env.KeyID))
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(pt), nil
}

// Reseal re-encrypts an envelope under the current key.
func (k *Keyring) Reseal(raw string) (string, error) {
	plain, err := k.Open(raw)
	if err != nil {
		return "", err
	}
	return k.Seal(plain)
}
