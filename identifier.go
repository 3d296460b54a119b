// Package assetgateway provides the core value types for the asset gateway:
// the public identifier minted for backend assets and the content hash
// recorded alongside it.
package assetgateway

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// IdentifierLength is the exact length of a public identifier.
const IdentifierLength = 27

// identifierPrefixes are the allowed leading characters. Identifiers must
// never start with a digit so they remain valid C-style local names in
// downstream serialisations.
const identifierPrefixes = "rjkmtvyz"

// identifierRE matches a well-formed public identifier: one prefix letter
// followed by 26 characters of lowercase base-32 (RFC 4648 alphabet, folded
// to lowercase, so digits 0, 1, 8 and 9 never appear).
var identifierRE = regexp.MustCompile(`^[rjkmtvyz][a-z2-7]{26}$`)

// base32Lower encodes without padding; 16 bytes encode to exactly 26 characters.
var base32Lower = base32.StdEncoding.WithPadding(base32.NoPadding)

// PublicIdentifier is the short, globally unique, immutable identifier the
// gateway assigns to one backend asset.
type PublicIdentifier string

// String implements fmt.Stringer.
func (id PublicIdentifier) String() string {
	return string(id)
}

// Valid reports whether s is a well-formed public identifier. It checks
// length and character classes only; the encoding is not required to invert.
func Valid(s string) bool {
	return len(s) == IdentifierLength && identifierRE.MatchString(s)
}

// ParseIdentifier validates s and returns it as a typed identifier.
// Malformed input fails with ErrInvalidIdentifier before any backend call.
func ParseIdentifier(s string) (PublicIdentifier, error) {
	if !Valid(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, s)
	}
	return PublicIdentifier(s), nil
}

// Mint draws 128 cryptographically random bits and encodes them as a new
// public identifier. An exhausted entropy source is the only failure mode
// and is not retriable.
func Mint() (PublicIdentifier, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("drawing identifier entropy: %w", err)
	}

	// One uniformly chosen prefix letter, then the base-32 body.
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("drawing identifier prefix: %w", err)
	}
	prefix := identifierPrefixes[int(b[0])%len(identifierPrefixes)]
	body := strings.ToLower(base32Lower.EncodeToString(u[:]))

	return PublicIdentifier(string(prefix) + body), nil
}
