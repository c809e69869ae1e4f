package cloud

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"

	"github.com/tonimelisma/pagesync-go/internal/commitgraph"
)

// BatchEnvelope is the wire form of one uploaded batch: a plaintext
// manifest of commit IDs (the cloud store indexes these without being able
// to read commit contents) plus the encrypted commit payloads.
type BatchEnvelope struct {
	CommitIDs  []string `json:"commit_ids"`
	Nonce      []byte   `json:"nonce"`
	Ciphertext []byte   `json:"ciphertext"`
}

// Codec seals commit batches into envelopes and opens downloaded envelopes.
// The key never leaves the device; the cloud store only ever sees
// ciphertext and commit IDs.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec creates a Codec from a 32-byte AES-256 key.
func NewCodec(key []byte) (*Codec, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cloud: creating cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cloud: creating AEAD: %w", err)
	}

	return &Codec{aead: aead}, nil
}

// Seal serializes and encrypts a frozen commit batch into an envelope.
// Any failure here is structural: the same batch will fail the same way on
// every attempt, so callers classify Seal errors as permanent.
func (c *Codec) Seal(commits []commitgraph.Commit) (*BatchEnvelope, error) {
	plaintext, err := json.Marshal(commits)
	if err != nil {
		return nil, fmt.Errorf("cloud: serializing batch: %w", err)
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cloud: generating nonce: %w", err)
	}

	ids := make([]string, len(commits))
	for i, cm := range commits {
		ids[i] = cm.ID
	}

	return &BatchEnvelope{
		CommitIDs:  ids,
		Nonce:      nonce,
		Ciphertext: c.aead.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// Open decrypts and deserializes a downloaded envelope back into commits.
// The nonce comes off the wire and must be length-checked before it reaches
// GCM, which panics rather than erroring on a wrong-size nonce.
func (c *Codec) Open(env *BatchEnvelope) ([]commitgraph.Commit, error) {
	if len(env.Nonce) != c.aead.NonceSize() {
		return nil, fmt.Errorf("cloud: envelope nonce is %d bytes, want %d", len(env.Nonce), c.aead.NonceSize())
	}

	plaintext, err := c.aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("cloud: decrypting batch: %w", err)
	}

	var commits []commitgraph.Commit
	if err := json.Unmarshal(plaintext, &commits); err != nil {
		return nil, fmt.Errorf("cloud: deserializing batch: %w", err)
	}

	return commits, nil
}
