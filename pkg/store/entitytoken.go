// Copyright 2025 Certen Protocol

package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/certen/autocapture-kernel/pkg/keyring"
	"github.com/certen/autocapture-kernel/pkg/kerr"
)

// EntityToken is one tokenized entity value, encrypted under the
// entity_tokens purpose so the mapping from token to real value is never
// stored in the clear.
type EntityToken struct {
	Value       string    `json:"value"`
	Kind        string    `json:"kind"`
	KeyID       string    `json:"key_id"`
	KeyVersion  int       `json:"key_version"`
	FirstSeenTS time.Time `json:"first_seen_ts"`
}

// EntityTokenStore persists a small token -> EntityToken map as a single
// encrypted file. Rotating the entity_tokens purpose key changes the token
// surface going forward; existing tokens remain readable via key
// candidates until a rewrap.
type EntityTokenStore struct {
	path string
	keys KeySource
	mu   sync.Mutex
}

// NewEntityTokenStore creates an EntityTokenStore backed by the file at
// path.
func NewEntityTokenStore(path string, keys KeySource) *EntityTokenStore {
	return &EntityTokenStore{path: path, keys: keys}
}

func (s *EntityTokenStore) loadLocked() (map[string]EntityToken, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]EntityToken{}, nil
	}
	if err != nil {
		return nil, kerr.Wrap(kerr.IO, "read entity token store", err)
	}
	var env metadataEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, kerr.Wrap(kerr.Integrity, "decode entity token envelope", err)
	}
	candidates := s.keys.Candidates(keyring.PurposeEntityTokens, env.KeyID)
	plain, _, err := keyring.DecryptWithCandidates(candidates, keyring.EncryptedBlob{
		NonceB64: env.NonceB64, CiphertextB64: env.CiphertextB64, KeyID: env.KeyID,
	}, []byte("entity_tokens"))
	if err != nil {
		return nil, kerr.Wrap(kerr.Crypto, "decrypt entity token store", err)
	}
	var tokens map[string]EntityToken
	if err := json.Unmarshal(plain, &tokens); err != nil {
		return nil, kerr.Wrap(kerr.Integrity, "decode entity token payload", err)
	}
	return tokens, nil
}

func (s *EntityTokenStore) saveLocked(tokens map[string]EntityToken) error {
	plain, err := json.Marshal(tokens)
	if err != nil {
		return kerr.Wrap(kerr.IO, "marshal entity tokens", err)
	}
	keyID, key, err := s.keys.Active(keyring.PurposeEntityTokens)
	if err != nil {
		return err
	}
	blob, err := keyring.Encrypt(key, plain, []byte("entity_tokens"), keyID)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(metadataEnvelope{NonceB64: blob.NonceB64, CiphertextB64: blob.CiphertextB64, KeyID: blob.KeyID})
	if err != nil {
		return kerr.Wrap(kerr.IO, "marshal entity token envelope", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return kerr.Wrap(kerr.IO, "create entity token directory", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return kerr.Wrap(kerr.IO, "open entity token file", err)
	}
	defer f.Close()
	if _, err := f.Write(raw); err != nil {
		return kerr.Wrap(kerr.IO, "write entity token file", err)
	}
	return f.Sync()
}

// Put sets or overwrites token's entry.
func (s *EntityTokenStore) Put(token string, value EntityToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tokens, err := s.loadLocked()
	if err != nil {
		return err
	}
	tokens[token] = value
	return s.saveLocked(tokens)
}

// Get returns the entry for token, and whether it was present.
func (s *EntityTokenStore) Get(token string) (EntityToken, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tokens, err := s.loadLocked()
	if err != nil {
		return EntityToken{}, false, err
	}
	v, ok := tokens[token]
	return v, ok, nil
}

// Rotate re-encrypts the token store under a freshly-rotated
// entity_tokens key, logging the change is the caller's responsibility
// (via pkg/eventbuilder.RecordOperatorAction) since rotating the entity
// token surface is itself an auditable operator action.
func (s *EntityTokenStore) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tokens, err := s.loadLocked()
	if err != nil {
		return err
	}
	return s.saveLocked(tokens)
}
