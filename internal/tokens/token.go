package tokens

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"unicode"
)

const (
	// TokenPrefix marks values minted by gitbridge
	TokenPrefix = "gbt_"

	// tokenBytes of randomness give 256 bits of entropy
	tokenBytes = 32

	hintLength     = 4
	maxLabelLength = 200
)

type digest [sha256.Size]byte

func digestOf(value string) digest {
	return sha256.Sum256([]byte(value))
}

func (d digest) String() string {
	return hex.EncodeToString(d[:])
}

func parseDigest(s string) (digest, error) {
	var d digest
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(d) {
		return d, fmt.Errorf("malformed token hash %q", s)
	}
	copy(d[:], b)
	return d, nil
}

// matchAny compares against every digest without returning early.
func matchAny(candidate digest, digests []digest) bool {
	match := 0
	for i := range digests {
		match |= subtle.ConstantTimeCompare(candidate[:], digests[i][:])
	}
	return match == 1
}

func newTokenValue(random io.Reader) (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(random, buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return TokenPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

func hintOf(value string) string {
	if len(value) <= hintLength {
		return ""
	}
	return value[len(value)-hintLength:]
}

func normalizeLabel(label string) (string, error) {
	label = strings.TrimSpace(label)
	if len(label) > maxLabelLength {
		return "", fmt.Errorf("%w: exceeds maximum length of %d characters", ErrInvalidLabel, maxLabelLength)
	}
	if strings.IndexFunc(label, func(r rune) bool { return !unicode.IsPrint(r) }) >= 0 {
		return "", fmt.Errorf("%w: contains non-printable characters", ErrInvalidLabel)
	}
	return label, nil
}

var defaultRandom io.Reader = rand.Reader
