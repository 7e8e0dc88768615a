// Copyright 2025 Certen Protocol
//
// Package keyring implements purpose-scoped key management for the
// autocapture kernel: four independent key sets (metadata, media,
// entity_tokens, anchor), HKDF-derived data keys, rotation with mixed-key
// decrypt candidates, and portable passphrase-wrapped bundle export/import.
package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"

	"github.com/certen/autocapture-kernel/pkg/kerr"
)

// Purpose scopes a key set to one use. Stores derive an independent data key
// per purpose so compromising one purpose's key never exposes another's
// data.
type Purpose string

const (
	PurposeMetadata     Purpose = "metadata"
	PurposeMedia        Purpose = "media"
	PurposeEntityTokens Purpose = "entity_tokens"
	PurposeAnchor       Purpose = "anchor"
)

// purposeAliases maps legacy/alternate purpose names onto their canonical
// form, carried forward from the original kernel's migration path.
var purposeAliases = map[string]Purpose{
	"tokenization": PurposeEntityTokens,
	"tokens":       PurposeEntityTokens,
}

// CanonicalPurpose resolves aliases to the canonical purpose name.
func CanonicalPurpose(p string) Purpose {
	if canon, ok := purposeAliases[p]; ok {
		return canon
	}
	return Purpose(p)
}

// hkdfSalt is the fixed HKDF salt for every derived key in this kernel. It
// is not a secret; fixing it keeps derivation deterministic given the same
// root key and purpose label.
var hkdfSalt = []byte("autocapture_nx")

// bundleAAD is the additional authenticated data bound to every portable
// keyring bundle, preventing a bundle ciphertext from being replayed as a
// different artifact type.
var bundleAAD = []byte("autocapture.keyring.bundle.v1")

// KeyRecord is one generation of key material within a purpose's key set.
type KeyRecord struct {
	KeyID      string    `json:"key_id"`
	CreatedTS  time.Time `json:"created_ts"`
	KeyB64     string    `json:"key_material"`
	Protected  bool      `json:"protected"`
	keyMaterial []byte
}

// PurposeKeySet is the ordered history of keys for one purpose, plus which
// one is currently active.
type PurposeKeySet struct {
	ActiveKeyID string       `json:"active_key_id"`
	Records     []*KeyRecord `json:"records"`
}

// OSProtector abstracts the local OS key-protection facility (DPAPI on
// Windows, Keychain on macOS, and so on). Actually talking to the OS vault
// is outside this kernel's scope: Protect/Unprotect are called on every
// save/load, and an implementation that has no OS facility available
// returns the bytes unchanged with protected=false, the same passthrough
// the original kernel used off Windows.
type OSProtector interface {
	// Protect returns OS-protected bytes for plaintext, or plaintext
	// unchanged with ok=false if no protection facility is available.
	Protect(plaintext []byte) (protected []byte, ok bool)
	// Unprotect reverses Protect. If data was never protected, it is
	// returned unchanged.
	Unprotect(data []byte, wasProtected bool) ([]byte, error)
}

// NoopProtector is the portable OSProtector: it never protects key
// material. It satisfies the OSProtector contract on any platform without
// an OS vault, matching the original kernel's non-Windows passthrough.
type NoopProtector struct{}

func (NoopProtector) Protect(plaintext []byte) ([]byte, bool) { return plaintext, false }
func (NoopProtector) Unprotect(data []byte, wasProtected bool) ([]byte, error) {
	return data, nil
}

// Status summarizes a keyring's state for diagnostics and CLI reporting.
type Status struct {
	ActiveKeyIDs map[Purpose]string `json:"active_key_ids"`
	Path         string             `json:"keyring_path"`
	Protected    bool               `json:"protected"`
}

// schemaVersion is the on-disk keyring file's schema_version. v1 files (a
// single unstructured root key) are migrated to v2 on load.
const schemaVersion = 2

type onDiskKeySet struct {
	ActiveKeyID string       `json:"active_key_id"`
	Records     []*KeyRecord `json:"records"`
}

type onDiskKeyring struct {
	SchemaVersion int                     `json:"schema_version"`
	Purposes      map[string]onDiskKeySet `json:"purposes"`
}

// KeyRing is the purpose-scoped key manager. It is safe for concurrent use.
type KeyRing struct {
	mu                 sync.Mutex
	path               string
	protector          OSProtector
	requireProtection  bool
	purposes           map[Purpose]*PurposeKeySet
}

// Load reads a keyring file at path, creating a fresh one (with no keys yet
// in any purpose) if it does not exist. requireProtection, when true, makes
// Load and Rotate fail closed if protector cannot actually protect key
// material.
func Load(path string, protector OSProtector, requireProtection bool) (*KeyRing, error) {
	if protector == nil {
		protector = NoopProtector{}
	}
	if requireProtection {
		if _, ok := protector.Protect([]byte("protection-probe")); !ok {
			return nil, kerr.New(kerr.Crypto, "OS key protection required but unavailable")
		}
	}
	kr := &KeyRing{
		path:              path,
		protector:         protector,
		requireProtection: requireProtection,
		purposes:          map[Purpose]*PurposeKeySet{},
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return kr, nil
	}
	if err != nil {
		return nil, kerr.Wrap(kerr.IO, "read keyring file", err)
	}

	var disk onDiskKeyring
	if err := json.Unmarshal(data, &disk); err != nil {
		// Legacy v1 files stored a single raw root key; fall back to
		// treating the whole file as that root key and derive every
		// purpose's first key from it so existing ciphertexts keep
		// decrypting without forcing a rewrap.
		return kr.fromLegacyRoot(data)
	}

	for name, ks := range disk.Purposes {
		purpose := CanonicalPurpose(name)
		for _, rec := range ks.Records {
			raw, err := base64.StdEncoding.DecodeString(rec.KeyB64)
			if err != nil {
				return nil, kerr.Wrap(kerr.Crypto, fmt.Sprintf("decode key material for %s/%s", purpose, rec.KeyID), err)
			}
			plain, err := protector.Unprotect(raw, rec.Protected)
			if err != nil {
				if requireProtection {
					return nil, kerr.Wrap(kerr.Crypto, "OS protection unavailable for required key", err)
				}
				plain = raw
			}
			rec.keyMaterial = plain
		}
		kr.purposes[purpose] = &PurposeKeySet{ActiveKeyID: ks.ActiveKeyID, Records: ks.Records}
	}
	return kr, nil
}

func (kr *KeyRing) fromLegacyRoot(rootKey []byte) (*KeyRing, error) {
	if len(rootKey) == 0 {
		return kr, nil
	}
	for _, p := range []Purpose{PurposeMetadata, PurposeMedia, PurposeEntityTokens, PurposeAnchor} {
		derived, err := DeriveKey(rootKey, string(p), 32)
		if err != nil {
			return nil, err
		}
		rec := &KeyRecord{
			KeyID:       uuid.NewString(),
			CreatedTS:   time.Now().UTC(),
			keyMaterial: derived,
		}
		kr.purposes[p] = &PurposeKeySet{ActiveKeyID: rec.KeyID, Records: []*KeyRecord{rec}}
	}
	return kr, nil
}

func (kr *KeyRing) keySetLocked(purpose Purpose) *PurposeKeySet {
	purpose = CanonicalPurpose(string(purpose))
	ks, ok := kr.purposes[purpose]
	if !ok {
		ks = &PurposeKeySet{}
		kr.purposes[purpose] = ks
	}
	return ks
}

// Active returns the active key ID and material for purpose, generating the
// purpose's first key via Rotate if none exists yet.
func (kr *KeyRing) Active(purpose Purpose) (string, []byte, error) {
	kr.mu.Lock()
	ks := kr.keySetLocked(purpose)
	if ks.ActiveKeyID == "" {
		kr.mu.Unlock()
		keyID, err := kr.Rotate(purpose)
		if err != nil {
			return "", nil, err
		}
		kr.mu.Lock()
		ks = kr.keySetLocked(purpose)
		_ = keyID
	}
	defer kr.mu.Unlock()
	for _, rec := range ks.Records {
		if rec.KeyID == ks.ActiveKeyID {
			return rec.KeyID, rec.keyMaterial, nil
		}
	}
	return "", nil, kerr.New(kerr.NotFound, fmt.Sprintf("active key record missing for purpose %s", purpose))
}

// ActiveAnchorKey satisfies pkg/ledger.AnchorSigner, resolving the active
// anchor-purpose key without the ledger package needing to import keyring
// or know about purposes at all.
func (kr *KeyRing) ActiveAnchorKey() (string, []byte, error) {
	return kr.Active(PurposeAnchor)
}

// KeyFor returns the key material for a specific key_id within purpose.
func (kr *KeyRing) KeyFor(purpose Purpose, keyID string) ([]byte, error) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	ks := kr.keySetLocked(purpose)
	for _, rec := range ks.Records {
		if rec.KeyID == keyID {
			return rec.keyMaterial, nil
		}
	}
	return nil, kerr.New(kerr.NotFound, fmt.Sprintf("unknown key_id %s for purpose %s", keyID, purpose))
}

// Candidates returns an ordered list of (key_id, key) pairs to try during
// decryption: preferred first (if given and present), then the active key,
// then every remaining record, each appearing once.
func (kr *KeyRing) Candidates(purpose Purpose, preferredKeyID string) []KeyCandidate {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	ks := kr.keySetLocked(purpose)

	seen := map[string]bool{}
	var out []KeyCandidate
	add := func(keyID string) {
		if keyID == "" || seen[keyID] {
			return
		}
		for _, rec := range ks.Records {
			if rec.KeyID == keyID {
				out = append(out, KeyCandidate{KeyID: rec.KeyID, Key: rec.keyMaterial})
				seen[keyID] = true
				return
			}
		}
	}
	add(preferredKeyID)
	add(ks.ActiveKeyID)
	for _, rec := range ks.Records {
		add(rec.KeyID)
	}
	return out
}

// KeyCandidate pairs a key ID with its material for mixed-key decrypt
// attempts.
type KeyCandidate struct {
	KeyID string
	Key   []byte
}

// Rotate appends a fresh 256-bit key to purpose's key set, makes it active,
// and persists the keyring. If requireProtection is set and the protector
// cannot protect the new key, Rotate fails closed without persisting.
func (kr *KeyRing) Rotate(purpose Purpose) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", kerr.Wrap(kerr.Crypto, "generate key material", err)
	}

	kr.mu.Lock()
	protected, ok := kr.protector.Protect(raw)
	if kr.requireProtection && !ok {
		kr.mu.Unlock()
		return "", kerr.New(kerr.Crypto, "OS key protection required but unavailable")
	}
	_ = protected

	rec := &KeyRecord{
		KeyID:       uuid.NewString(),
		CreatedTS:   time.Now().UTC(),
		Protected:   ok,
		keyMaterial: raw,
	}
	ks := kr.keySetLocked(purpose)
	ks.Records = append(ks.Records, rec)
	ks.ActiveKeyID = rec.KeyID
	kr.mu.Unlock()

	if err := kr.Save(); err != nil {
		return "", err
	}
	return rec.KeyID, nil
}

// SetActive marks an existing key record as the active key for purpose
// without generating a new one.
func (kr *KeyRing) SetActive(purpose Purpose, keyID string) error {
	kr.mu.Lock()
	ks := kr.keySetLocked(purpose)
	found := false
	for _, rec := range ks.Records {
		if rec.KeyID == keyID {
			found = true
			break
		}
	}
	if !found {
		kr.mu.Unlock()
		return kerr.New(kerr.NotFound, fmt.Sprintf("unknown key_id %s for purpose %s", keyID, purpose))
	}
	ks.ActiveKeyID = keyID
	kr.mu.Unlock()
	return kr.Save()
}

// Status reports the keyring's current active key per purpose.
func (kr *KeyRing) Status() Status {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	active := map[Purpose]string{}
	protected := true
	for p, ks := range kr.purposes {
		active[p] = ks.ActiveKeyID
		for _, rec := range ks.Records {
			if !rec.Protected {
				protected = false
			}
		}
	}
	return Status{ActiveKeyIDs: active, Path: kr.path, Protected: protected}
}

// Save persists the keyring to its backing file as sorted-key JSON, then
// hardens the file to mode 0600.
func (kr *KeyRing) Save() error {
	kr.mu.Lock()
	disk := onDiskKeyring{SchemaVersion: schemaVersion, Purposes: map[string]onDiskKeySet{}}
	for purpose, ks := range kr.purposes {
		records := make([]*KeyRecord, len(ks.Records))
		for i, rec := range ks.Records {
			protectedBytes, ok := kr.protector.Protect(rec.keyMaterial)
			cp := *rec
			cp.Protected = ok
			cp.KeyB64 = base64.StdEncoding.EncodeToString(protectedBytes)
			records[i] = &cp
		}
		disk.Purposes[string(purpose)] = onDiskKeySet{ActiveKeyID: ks.ActiveKeyID, Records: records}
	}
	kr.mu.Unlock()

	names := make([]string, 0, len(disk.Purposes))
	for name := range disk.Purposes {
		names = append(names, name)
	}
	sort.Strings(names)

	structured, err := json.Marshal(disk)
	if err != nil {
		return kerr.Wrap(kerr.IO, "marshal keyring", err)
	}
	var sorted map[string]any
	if err := json.Unmarshal(structured, &sorted); err != nil {
		return kerr.Wrap(kerr.IO, "re-decode keyring for key sorting", err)
	}
	raw, err := json.MarshalIndent(sorted, "", "  ")
	if err != nil {
		return kerr.Wrap(kerr.IO, "marshal keyring", err)
	}
	if err := os.MkdirAll(filepath.Dir(kr.path), 0o700); err != nil {
		return kerr.Wrap(kerr.IO, "create keyring directory", err)
	}
	if err := os.WriteFile(kr.path, raw, 0o600); err != nil {
		return kerr.Wrap(kerr.IO, "write keyring file", err)
	}
	return os.Chmod(kr.path, 0o600)
}

// DeriveKey derives a purpose-scoped data key from rootKey via HKDF-SHA256
// with the kernel's fixed salt and the purpose label as HKDF info.
func DeriveKey(rootKey []byte, info string, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, rootKey, hkdfSalt, []byte(info))
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, kerr.Wrap(kerr.Crypto, "derive key", err)
	}
	return out, nil
}

// EncryptedBlob is the AEAD envelope persisted for every encrypted record:
// base64 nonce, base64 ciphertext, and the key_id used, so decrypt can
// resolve the right candidate key.
type EncryptedBlob struct {
	NonceB64      string `json:"nonce_b64"`
	CiphertextB64 string `json:"ciphertext_b64"`
	KeyID         string `json:"key_id,omitempty"`
}

// Encrypt seals plaintext under key with AES-256-GCM and a random 12-byte
// nonce, returning the base64 envelope tagged with keyID.
func Encrypt(key, plaintext, aad []byte, keyID string) (EncryptedBlob, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return EncryptedBlob{}, kerr.Wrap(kerr.Crypto, "new AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return EncryptedBlob{}, kerr.Wrap(kerr.Crypto, "new GCM", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return EncryptedBlob{}, kerr.Wrap(kerr.Crypto, "generate nonce", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, aad)
	return EncryptedBlob{
		NonceB64:      base64.StdEncoding.EncodeToString(nonce),
		CiphertextB64: base64.StdEncoding.EncodeToString(ciphertext),
		KeyID:         keyID,
	}, nil
}

// Decrypt opens an EncryptedBlob under key, verifying aad.
func Decrypt(key []byte, blob EncryptedBlob, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, kerr.Wrap(kerr.Crypto, "new AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, kerr.Wrap(kerr.Crypto, "new GCM", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(blob.NonceB64)
	if err != nil {
		return nil, kerr.Wrap(kerr.Crypto, "decode nonce", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(blob.CiphertextB64)
	if err != nil {
		return nil, kerr.Wrap(kerr.Crypto, "decode ciphertext", err)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, kerr.Wrap(kerr.Crypto, "AEAD decrypt", err)
	}
	return plaintext, nil
}

// DecryptWithCandidates tries each candidate key in order, returning the
// first successful decrypt. This is how stores keep reading ciphertexts
// written under a previously-active key after rotation.
func DecryptWithCandidates(candidates []KeyCandidate, blob EncryptedBlob, aad []byte) ([]byte, string, error) {
	var lastErr error
	for _, c := range candidates {
		pt, err := Decrypt(c.Key, blob, aad)
		if err == nil {
			return pt, c.KeyID, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = kerr.New(kerr.Crypto, "no key candidates available")
	}
	return nil, "", lastErr
}

// Bundle is the on-disk, passphrase-protected portable keyring export
// format.
type Bundle struct {
	SchemaVersion int          `json:"schema_version"`
	KDF           BundleKDF    `json:"kdf"`
	Cipher        EncryptedBlob `json:"cipher"`
}

// BundleKDF records the scrypt parameters used to derive the bundle's
// wrapping key from a passphrase.
type BundleKDF struct {
	Type   string `json:"type"`
	N      int    `json:"n"`
	R      int    `json:"r"`
	P      int    `json:"p"`
	SaltB64 string `json:"salt_b64"`
}

const (
	scryptN = 1 << 14
	scryptR = 8
	scryptP = 1
)

// ExportBundle serializes every purpose's unprotected key material,
// wraps it with AES-GCM under a passphrase-derived scrypt key, and returns
// the bundle ready to write to disk.
func (kr *KeyRing) ExportBundle(passphrase string) (*Bundle, error) {
	kr.mu.Lock()
	plain := make(map[string]onDiskKeySet, len(kr.purposes))
	for purpose, ks := range kr.purposes {
		records := make([]*KeyRecord, len(ks.Records))
		for i, rec := range ks.Records {
			cp := *rec
			cp.Protected = false
			cp.KeyB64 = base64.StdEncoding.EncodeToString(rec.keyMaterial)
			records[i] = &cp
		}
		plain[string(purpose)] = onDiskKeySet{ActiveKeyID: ks.ActiveKeyID, Records: records}
	}
	kr.mu.Unlock()

	payload, err := json.Marshal(onDiskKeyring{SchemaVersion: schemaVersion, Purposes: plain})
	if err != nil {
		return nil, kerr.Wrap(kerr.IO, "marshal bundle payload", err)
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, kerr.Wrap(kerr.Crypto, "generate bundle salt", err)
	}
	wrapKey, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, kerr.Wrap(kerr.Crypto, "scrypt derive bundle key", err)
	}

	enc, err := Encrypt(wrapKey, payload, bundleAAD, "")
	if err != nil {
		return nil, err
	}

	return &Bundle{
		SchemaVersion: 1,
		KDF: BundleKDF{
			Type:    "scrypt",
			N:       scryptN,
			R:       scryptR,
			P:       scryptP,
			SaltB64: base64.StdEncoding.EncodeToString(salt),
		},
		Cipher: enc,
	}, nil
}

// ImportBundle reverses ExportBundle, re-protecting every imported key on
// the destination via kr's OSProtector.
func (kr *KeyRing) ImportBundle(bundle *Bundle, passphrase string) error {
	if bundle.KDF.Type != "scrypt" {
		return kerr.New(kerr.Validation, fmt.Sprintf("unsupported bundle KDF %q", bundle.KDF.Type))
	}
	salt, err := base64.StdEncoding.DecodeString(bundle.KDF.SaltB64)
	if err != nil {
		return kerr.Wrap(kerr.Validation, "decode bundle salt", err)
	}
	wrapKey, err := scrypt.Key([]byte(passphrase), salt, bundle.KDF.N, bundle.KDF.R, bundle.KDF.P, 32)
	if err != nil {
		return kerr.Wrap(kerr.Crypto, "scrypt derive bundle key", err)
	}
	payload, err := Decrypt(wrapKey, bundle.Cipher, bundleAAD)
	if err != nil {
		return kerr.Wrap(kerr.Crypto, "decrypt bundle (wrong passphrase?)", err)
	}

	var disk onDiskKeyring
	if err := json.Unmarshal(payload, &disk); err != nil {
		return kerr.Wrap(kerr.Validation, "decode bundle payload", err)
	}

	kr.mu.Lock()
	for name, ks := range disk.Purposes {
		purpose := CanonicalPurpose(name)
		for _, rec := range ks.Records {
			raw, err := base64.StdEncoding.DecodeString(rec.KeyB64)
			if err != nil {
				kr.mu.Unlock()
				return kerr.Wrap(kerr.Crypto, "decode imported key material", err)
			}
			rec.keyMaterial = raw
		}
		kr.purposes[purpose] = &PurposeKeySet{ActiveKeyID: ks.ActiveKeyID, Records: ks.Records}
	}
	kr.mu.Unlock()
	return kr.Save()
}
