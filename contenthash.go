package assetgateway

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/zeebo/blake3"
)

// Algorithm identifies the hash algorithm used in a content hash.
type Algorithm string

const (
	AlgSHA256 Algorithm = "sha256"
	AlgBLAKE3 Algorithm = "blake3"
)

// HashSize is the digest size in bytes (256 bits for both algorithms).
const HashSize = 32

// ContentHash is a digest of an asset's original bytes, recorded on the
// backend asset as derived metadata.
type ContentHash struct {
	Alg    Algorithm
	Digest [HashSize]byte
}

// String returns the canonical string form "algorithm:hex".
func (h ContentHash) String() string {
	return string(h.Alg) + ":" + h.Hex()
}

// Hex returns the plain hex digest without the algorithm prefix.
func (h ContentHash) Hex() string {
	return hex.EncodeToString(h.Digest[:])
}

// IsZero returns true if the hash is uninitialized.
func (h ContentHash) IsZero() bool {
	return h == ContentHash{}
}

// ParseContentHash parses a content hash string in the form "algorithm:hex".
// Plain hex strings without a prefix are accepted as legacy and assumed to
// be SHA-256, matching values written before the prefix was introduced.
func ParseContentHash(s string) (ContentHash, error) {
	if s == "" {
		return ContentHash{}, fmt.Errorf("empty content hash")
	}

	algoStr, hexStr, hasPrefix := strings.Cut(s, ":")
	if !hasPrefix {
		hexStr = algoStr
		algoStr = string(AlgSHA256)
	}

	var alg Algorithm
	switch Algorithm(strings.ToLower(algoStr)) {
	case AlgSHA256:
		alg = AlgSHA256
	case AlgBLAKE3:
		alg = AlgBLAKE3
	default:
		return ContentHash{}, fmt.Errorf("unsupported algorithm %q in content hash %q", algoStr, s)
	}

	if len(hexStr) != HashSize*2 {
		return ContentHash{}, fmt.Errorf("invalid digest length in content hash %q: expected %d hex chars, got %d", s, HashSize*2, len(hexStr))
	}

	h := ContentHash{Alg: alg}
	if _, err := hex.Decode(h.Digest[:], []byte(strings.ToLower(hexStr))); err != nil {
		return ContentHash{}, fmt.Errorf("invalid digest in content hash %q: %w", s, err)
	}
	return h, nil
}

// HashBytes computes the content hash of data with the given algorithm.
func HashBytes(alg Algorithm, data []byte) ContentHash {
	switch alg {
	case AlgBLAKE3:
		return ContentHash{Alg: AlgBLAKE3, Digest: blake3.Sum256(data)}
	default:
		return ContentHash{Alg: AlgSHA256, Digest: sha256.Sum256(data)}
	}
}

// HashReader computes the content hash of everything read from r.
// It returns the hash and the number of bytes consumed.
func HashReader(alg Algorithm, r io.Reader) (ContentHash, int64, error) {
	h := ContentHash{Alg: alg}

	switch alg {
	case AlgBLAKE3:
		hasher := blake3.New()
		n, err := io.Copy(hasher, r)
		if err != nil {
			return ContentHash{}, n, fmt.Errorf("hashing content: %w", err)
		}
		hasher.Sum(h.Digest[:0])
		return h, n, nil
	default:
		h.Alg = AlgSHA256
		hasher := sha256.New()
		n, err := io.Copy(hasher, r)
		if err != nil {
			return ContentHash{}, n, fmt.Errorf("hashing content: %w", err)
		}
		copy(h.Digest[:], hasher.Sum(nil))
		return h, n, nil
	}
}
