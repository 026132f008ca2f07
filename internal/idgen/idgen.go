// Package idgen derives element ids from content hashes.
//
// Ids follow the grammar el-[0-9a-z]{3,8}: a fixed prefix plus a base36
// fragment of the SHA-256 hash of the element's creation-time content. A
// nonce is mixed in so collisions can be resolved by retrying.
package idgen

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/stoneforge/stoneforge/internal/types"
)

// DefaultLength is the fragment length used for new ids.
const DefaultLength = 4

// MaxLength is the longest fragment the grammar allows.
const MaxLength = 8

// base36Alphabet is the character set for base36 encoding (0-9, a-z).
const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// EncodeBase36 converts a byte slice to a base36 string of the given length,
// zero-padded on the left and truncated to the least significant digits.
func EncodeBase36(data []byte, length int) string {
	num := new(big.Int).SetBytes(data)

	base := big.NewInt(36)
	zero := big.NewInt(0)
	mod := new(big.Int)

	chars := make([]byte, 0, length)
	for num.Cmp(zero) > 0 {
		num.DivMod(num, base, mod)
		chars = append(chars, base36Alphabet[mod.Int64()])
	}

	var b strings.Builder
	for i := len(chars) - 1; i >= 0; i-- {
		b.WriteByte(chars[i])
	}

	str := b.String()
	if len(str) < length {
		str = strings.Repeat("0", length-len(str)) + str
	}
	if len(str) > length {
		str = str[len(str)-length:]
	}
	return str
}

// New derives an id from the element's creation-time content. The nonce
// disambiguates collisions: callers retry with nonce+1 until the id is free.
func New(seed string, creator string, createdAt time.Time, length, nonce int) string {
	if length < 3 || length > MaxLength {
		length = DefaultLength
	}
	content := fmt.Sprintf("%s|%s|%d|%d", seed, creator, createdAt.UnixNano(), nonce)
	hash := sha256.Sum256([]byte(content))

	// Enough hash bytes to cover the requested base36 width.
	var numBytes int
	switch {
	case length <= 3:
		numBytes = 2
	case length <= 4:
		numBytes = 3
	case length <= 6:
		numBytes = 4
	default:
		numBytes = 5
	}

	return fmt.Sprintf("%s-%s", types.IDPrefix, EncodeBase36(hash[:numBytes], length))
}

// NewUnique derives an id, retrying with increasing nonces while taken
// reports a collision. Returns an error after too many attempts, which in
// practice indicates a broken taken predicate.
func NewUnique(seed, creator string, createdAt time.Time, taken func(id string) bool) (string, error) {
	length := DefaultLength
	for nonce := 0; nonce < 64; nonce++ {
		// Widen the fragment as collisions accumulate.
		if nonce > 0 && nonce%8 == 0 && length < MaxLength {
			length++
		}
		id := New(seed, creator, createdAt, length, nonce)
		if !taken(id) {
			return id, nil
		}
	}
	return "", fmt.Errorf("idgen: could not find a free id for %q", seed)
}
