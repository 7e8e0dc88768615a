// Copyright 2025 Certen Protocol

package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/certen/autocapture-kernel/pkg/canon"
	"github.com/certen/autocapture-kernel/pkg/keyring"
	"github.com/certen/autocapture-kernel/pkg/kerr"
)

// singleBlobMagic and streamMagic tag the two on-disk blob formats so a
// reader can tell which framing to expect without external metadata.
var (
	singleBlobMagic = [4]byte{'B', 'L', 'B', 0x01}
	streamMagic     = [4]byte{'S', 'T', 'R', 0x01}
)

const streamDefaultChunkSize = 1 << 20 // 1 MiB

// BlobStore persists raw artifact bytes encrypted under the media purpose,
// one file per record_id, in either single-blob or framed-stream format.
type BlobStore struct {
	root   string
	keys   KeySource
	mu     sync.Mutex
	policy FsyncPolicy
}

// NewBlobStore creates a BlobStore rooted at root.
func NewBlobStore(root string, keys KeySource) *BlobStore {
	return &BlobStore{root: root, keys: keys, policy: FsyncCritical}
}

func (s *BlobStore) pathFor(recordID string) string {
	return filepath.Join(s.root, canon.EncodeID(recordID)+".blob")
}

type singleBlobHeader struct {
	SchemaVersion int    `json:"schema_version"`
	KeyID         string `json:"key_id"`
	NonceB64      string `json:"nonce_b64"`
	CiphertextB64 string `json:"ciphertext_b64"`
}

// Has reports whether a blob exists for recordID.
func (s *BlobStore) Has(recordID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := os.Stat(s.pathFor(recordID))
	return err == nil
}

// PutNew writes a brand-new single-blob artifact, failing with a
// ConflictError if one already exists.
func (s *BlobStore) PutNew(recordID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.pathFor(recordID)); err == nil {
		return kerr.New(kerr.Conflict, fmt.Sprintf("blob already exists: %s", recordID))
	}
	return s.putLocked(recordID, data)
}

// Put writes a single-blob artifact, overwriting any existing one. Higher
// layers (pkg/evidence) are responsible for immutability guarantees; this
// layer is a raw content-addressed store.
func (s *BlobStore) Put(recordID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(recordID, data)
}

func (s *BlobStore) putLocked(recordID string, data []byte) error {
	keyID, key, err := s.keys.Active(keyring.PurposeMedia)
	if err != nil {
		return err
	}
	blob, err := keyring.Encrypt(key, data, []byte(recordID), keyID)
	if err != nil {
		return err
	}
	header := singleBlobHeader{SchemaVersion: 1, KeyID: blob.KeyID, NonceB64: blob.NonceB64, CiphertextB64: blob.CiphertextB64}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return kerr.Wrap(kerr.IO, "marshal blob header", err)
	}
	path := s.pathFor(recordID)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return kerr.Wrap(kerr.IO, "create blob directory", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return kerr.Wrap(kerr.IO, "open blob file", err)
	}
	defer f.Close()
	if _, err := f.Write(singleBlobMagic[:]); err != nil {
		return kerr.Wrap(kerr.IO, "write blob magic", err)
	}
	if _, err := f.Write(headerJSON); err != nil {
		return kerr.Wrap(kerr.IO, "write blob header", err)
	}
	return fsyncIfNeeded(f, s.policy)
}

// Get reads and decrypts a single-blob artifact.
func (s *BlobStore) Get(recordID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.pathFor(recordID)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, kerr.Wrap(kerr.IO, "read blob file", err)
	}
	if len(raw) < 4 || [4]byte{raw[0], raw[1], raw[2], raw[3]} != singleBlobMagic {
		return nil, kerr.New(kerr.Integrity, fmt.Sprintf("blob %s has invalid magic", recordID))
	}
	var header singleBlobHeader
	if err := json.Unmarshal(raw[4:], &header); err != nil {
		return nil, kerr.Wrap(kerr.Integrity, "decode blob header", err)
	}
	candidates := s.keys.Candidates(keyring.PurposeMedia, header.KeyID)
	plain, _, err := keyring.DecryptWithCandidates(candidates, keyring.EncryptedBlob{
		NonceB64: header.NonceB64, CiphertextB64: header.CiphertextB64, KeyID: header.KeyID,
	}, []byte(recordID))
	if err != nil {
		return nil, kerr.Wrap(kerr.Crypto, "decrypt blob", err)
	}
	return plain, nil
}

// Delete removes a blob file. Callers are responsible for enforcing any
// retention policy (pkg/compaction restricts this to derived-only blobs).
func (s *BlobStore) Delete(recordID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.pathFor(recordID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}
	if err := os.Remove(path); err != nil {
		return false, kerr.Wrap(kerr.IO, "delete blob file", err)
	}
	return true, nil
}

// Keys returns every record ID currently stored. O(n) in the number of
// files; intended for compaction/integrity scans, not hot paths.
func (s *BlobStore) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		base := filepath.Base(path)
		if filepath.Ext(base) != ".blob" {
			return nil
		}
		encoded := base[:len(base)-len(".blob")]
		ids = append(ids, canon.DecodeID(encoded))
		return nil
	})
	if err != nil {
		return nil, kerr.Wrap(kerr.IO, "walk blob store", err)
	}
	return ids, nil
}

// StreamWriter writes a sequence of AEAD-framed chunks for large artifacts.
// Each chunk's AAD binds (record_id, chunk_index) so chunks cannot be
// reordered or spliced between streams.
type StreamWriter struct {
	f         *os.File
	recordID  string
	keyID     string
	key       []byte
	chunkSize int
	index     uint32
	policy    FsyncPolicy
}

type streamHeader struct {
	KeyID         string `json:"key_id"`
	SchemaVersion int    `json:"schema_version"`
	ChunkSize     int    `json:"chunk_size"`
}

// NewStream opens a new stream-format blob for writing.
func (s *BlobStore) NewStream(recordID string, chunkSize int) (*StreamWriter, error) {
	if chunkSize <= 0 {
		chunkSize = streamDefaultChunkSize
	}
	keyID, key, err := s.keys.Active(keyring.PurposeMedia)
	if err != nil {
		return nil, err
	}
	path := s.pathFor(recordID)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, kerr.Wrap(kerr.IO, "create blob directory", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, kerr.Wrap(kerr.IO, "open stream blob file", err)
	}
	if _, err := f.Write(streamMagic[:]); err != nil {
		f.Close()
		return nil, kerr.Wrap(kerr.IO, "write stream magic", err)
	}
	header, err := json.Marshal(streamHeader{KeyID: keyID, SchemaVersion: 1, ChunkSize: chunkSize})
	if err != nil {
		f.Close()
		return nil, kerr.Wrap(kerr.IO, "marshal stream header", err)
	}
	if err := writeFramed(f, header); err != nil {
		f.Close()
		return nil, err
	}
	return &StreamWriter{f: f, recordID: recordID, keyID: keyID, key: key, chunkSize: chunkSize, policy: s.policy}, nil
}

func chunkAAD(recordID string, index uint32) []byte {
	return []byte(fmt.Sprintf("%s|%d", recordID, index))
}

// WriteChunk encrypts and appends one chunk. Chunks may be any size; the
// configured chunkSize is advisory for callers choosing how to split input.
func (w *StreamWriter) WriteChunk(data []byte) error {
	blob, err := keyring.Encrypt(w.key, data, chunkAAD(w.recordID, w.index), w.keyID)
	if err != nil {
		return err
	}
	chunk := struct {
		NonceB64      string `json:"nonce_b64"`
		CiphertextB64 string `json:"ciphertext_b64"`
	}{blob.NonceB64, blob.CiphertextB64}
	raw, err := json.Marshal(chunk)
	if err != nil {
		return kerr.Wrap(kerr.IO, "marshal stream chunk", err)
	}
	if err := writeFramed(w.f, raw); err != nil {
		return err
	}
	w.index++
	return nil
}

// Close flushes and closes the stream.
func (w *StreamWriter) Close() error {
	defer w.f.Close()
	return fsyncIfNeeded(w.f, w.policy)
}

func writeFramed(f *os.File, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		return kerr.Wrap(kerr.IO, "write frame length", err)
	}
	if _, err := f.Write(payload); err != nil {
		return kerr.Wrap(kerr.IO, "write frame payload", err)
	}
	return nil
}

func readFramed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, kerr.Wrap(kerr.IO, "read frame payload", err)
	}
	return buf, nil
}

// ReadStream decrypts every chunk of a stream-format blob in order,
// verifying chunk AAD binding. Any chunk failure aborts the whole read —
// there is no partial-stream success.
func (s *BlobStore) ReadStream(recordID string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.pathFor(recordID)
	f, err := os.Open(path)
	if err != nil {
		return nil, kerr.Wrap(kerr.IO, "open stream blob", err)
	}
	defer f.Close()

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil || magic != streamMagic {
		return nil, kerr.New(kerr.Integrity, fmt.Sprintf("blob %s has invalid stream magic", recordID))
	}
	headerRaw, err := readFramed(f)
	if err != nil {
		return nil, kerr.Wrap(kerr.Integrity, "read stream header", err)
	}
	var header streamHeader
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return nil, kerr.Wrap(kerr.Integrity, "decode stream header", err)
	}

	candidates := s.keys.Candidates(keyring.PurposeMedia, header.KeyID)
	var chunks [][]byte
	for index := uint32(0); ; index++ {
		raw, err := readFramed(f)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, kerr.Wrap(kerr.Integrity, "read stream chunk", err)
		}
		var chunk struct {
			NonceB64      string `json:"nonce_b64"`
			CiphertextB64 string `json:"ciphertext_b64"`
		}
		if err := json.Unmarshal(raw, &chunk); err != nil {
			return nil, kerr.Wrap(kerr.Integrity, "decode stream chunk", err)
		}
		plain, _, err := keyring.DecryptWithCandidates(candidates, keyring.EncryptedBlob{
			NonceB64: chunk.NonceB64, CiphertextB64: chunk.CiphertextB64,
		}, chunkAAD(recordID, index))
		if err != nil {
			return nil, kerr.Wrap(kerr.Crypto, fmt.Sprintf("decrypt stream chunk %d", index), err)
		}
		chunks = append(chunks, plain)
	}
	return chunks, nil
}
