// Package boltstore persists cache entries in a bbolt database so a restarted
// gateway starts warm. It is a best-effort layer: read and write failures are
// logged and treated as cache misses, never surfaced to callers.
package boltstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.etcd.io/bbolt"
)

const (
	// compressionThreshold is the minimum payload size before zstd
	// compression is attempted.
	compressionThreshold = 1024

	// maxDecompressedSize caps decompression to guard against corrupt or
	// hostile database files.
	maxDecompressedSize = 10 * 1024 * 1024

	encodingRaw  = 0x00
	encodingZstd = 0x01

	// headerSize is the fixed envelope prefix: 8 bytes big-endian expiry
	// (unix nanoseconds) followed by 1 encoding byte.
	headerSize = 9
)

var bucketEntries = []byte("entries")

// ErrTruncatedEnvelope is returned when a stored envelope is shorter than
// its fixed header.
var ErrTruncatedEnvelope = errors.New("truncated cache envelope")

// Store is a bbolt-backed persistent cache layer.
type Store struct {
	db     *bbolt.DB
	enc    *zstd.Encoder
	dec    *zstd.Decoder
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open opens (creating if needed) the database at path.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating cache bucket: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecompressedSize))
	if err != nil {
		enc.Close()
		_ = db.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	s := &Store{
		db:     db,
		enc:    enc,
		dec:    dec,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the database and codec resources.
func (s *Store) Close() error {
	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}

// Load implements cache.Backing.
func (s *Store) Load(key string) ([]byte, time.Time, bool) {
	var envelope []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketEntries).Get([]byte(key)); v != nil {
			envelope = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("cache database read failed", "key", key, "error", err)
		return nil, time.Time{}, false
	}
	if envelope == nil {
		return nil, time.Time{}, false
	}

	payload, expires, err := decodeEnvelope(s.dec, envelope)
	if err != nil {
		s.logger.Warn("discarding corrupt cache envelope", "key", key, "error", err)
		s.Delete(key)
		return nil, time.Time{}, false
	}
	return payload, expires, true
}

// Store implements cache.Backing.
func (s *Store) Store(key string, payload []byte, expires time.Time) {
	envelope := encodeEnvelope(s.enc, payload, expires)

	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(key), envelope)
	}); err != nil {
		s.logger.Warn("cache database write failed", "key", key, "error", err)
	}
}

// Delete implements cache.Backing.
func (s *Store) Delete(key string) {
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete([]byte(key))
	}); err != nil {
		s.logger.Warn("cache database delete failed", "key", key, "error", err)
	}
}

// Reap removes expired entries and returns how many were deleted. Callers
// run it periodically; the in-memory layer otherwise expires entries lazily.
func (s *Store) Reap() (int, error) {
	deadline := s.now()
	var expired [][]byte

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			if len(v) < headerSize {
				expired = append(expired, append([]byte(nil), k...))
				return nil
			}
			expires := time.Unix(0, int64(binary.BigEndian.Uint64(v[:8]))) //nolint:gosec
			if !deadline.Before(expires) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("scanning cache entries: %w", err)
	}

	if len(expired) == 0 {
		return 0, nil
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("deleting expired cache entries: %w", err)
	}

	s.logger.Debug("reaped expired cache entries", "deleted", len(expired))
	return len(expired), nil
}

// encodeEnvelope frames a payload with its expiry, compressing payloads
// above the threshold when compression actually shrinks them.
func encodeEnvelope(enc *zstd.Encoder, payload []byte, expires time.Time) []byte {
	encoding := byte(encodingRaw)
	body := payload

	if len(payload) >= compressionThreshold {
		compressed := enc.EncodeAll(payload, make([]byte, 0, len(payload)))
		if len(compressed) < len(payload) {
			encoding = encodingZstd
			body = compressed
		}
	}

	envelope := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint64(envelope[:8], uint64(expires.UnixNano())) //nolint:gosec
	envelope[8] = encoding
	copy(envelope[headerSize:], body)
	return envelope
}

func decodeEnvelope(dec *zstd.Decoder, envelope []byte) ([]byte, time.Time, error) {
	if len(envelope) < headerSize {
		return nil, time.Time{}, ErrTruncatedEnvelope
	}

	expires := time.Unix(0, int64(binary.BigEndian.Uint64(envelope[:8]))) //nolint:gosec
	body := envelope[headerSize:]

	switch envelope[8] {
	case encodingRaw:
		return append([]byte(nil), body...), expires, nil
	case encodingZstd:
		payload, err := dec.DecodeAll(body, nil)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("decompressing cache envelope: %w", err)
		}
		return payload, expires, nil
	default:
		return nil, time.Time{}, fmt.Errorf("unknown cache envelope encoding 0x%02x", envelope[8])
	}
}
