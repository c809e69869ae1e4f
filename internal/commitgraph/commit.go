// Package commitgraph stores the local append-only commit graph for a
// synced document. Commits are immutable, content-addressed nodes owned by
// the store; the sync engine only reads heads and unsynced commits and
// observes new arrivals through watchers.
package commitgraph

import (
	"encoding/json"
	"fmt"
	"time"

	gocid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
	"golang.org/x/text/unicode/norm"
)

// Source tells a commit watcher where a batch of new commits came from.
// Remote commits are already persisted in the cloud and must never trigger
// a re-upload.
type Source string

// Watcher notification sources.
const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// Commit is an immutable node in the local DAG. The ID is derived from the
// commit content, so identical commits produced on different devices
// converge to the same identifier.
type Commit struct {
	ID        string   // CIDv1 (raw, SHA2-256), base32
	Parents   []string // parent commit IDs; empty for the root commit
	Key       string   // NFC-normalized document key this commit mutates
	Payload   []byte   // opaque serialized object tree
	CreatedAt int64    // Unix nanoseconds
}

// commitEnvelope is the canonical form hashed to derive the commit ID.
// CreatedAt is deliberately excluded: two devices writing the same change
// to the same parents must produce the same commit.
type commitEnvelope struct {
	Parents []string `json:"parents"`
	Key     string   `json:"key"`
	Payload []byte   `json:"payload"`
}

// NewCommit builds a commit from a document key, payload, and parent set,
// computing its content-derived ID. The key is normalized to NFC so that
// visually identical keys from different platforms hash identically.
func NewCommit(key string, payload []byte, parents []string) (*Commit, error) {
	normKey := norm.NFC.String(key)

	id, err := computeID(commitEnvelope{Parents: parents, Key: normKey, Payload: payload})
	if err != nil {
		return nil, err
	}

	return &Commit{
		ID:        id,
		Parents:   parents,
		Key:       normKey,
		Payload:   payload,
		CreatedAt: time.Now().UnixNano(),
	}, nil
}

// computeID hashes the canonical envelope into a CIDv1 and renders it in
// base32 lower, the store's canonical string form.
func computeID(env commitEnvelope) (string, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("commitgraph: marshaling commit envelope: %w", err)
	}

	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("commitgraph: hashing commit envelope: %w", err)
	}

	c := gocid.NewCidV1(gocid.Raw, mh)

	encoded, err := multibase.Encode(multibase.Base32, c.Bytes())
	if err != nil {
		return "", fmt.Errorf("commitgraph: encoding commit id: %w", err)
	}

	return encoded, nil
}

// VerifyID recomputes the commit's content-derived ID and reports whether
// it matches the stored one. Used when applying downloaded commits.
func (c *Commit) VerifyID() (bool, error) {
	id, err := computeID(commitEnvelope{Parents: c.Parents, Key: c.Key, Payload: c.Payload})
	if err != nil {
		return false, err
	}

	return id == c.ID, nil
}
