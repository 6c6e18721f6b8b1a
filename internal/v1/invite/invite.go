// Package invite generates and canonicalizes the six-character codes that
// identify multiplayer sessions. Codes are meant to be read aloud over voice
// chat or typed from a friend's screen, so the charset drops the glyphs that
// are routinely confused in both directions (0/O, 1/I).
package invite

import (
	"errors"
	"math/rand/v2"
	"strings"
	"time"
)

const (
	// Charset is the 32-symbol alphabet codes are drawn from.
	Charset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	// Length of every invite code.
	Length = 6

	// maxCollisionRetries bounds how many fresh draws Generate attempts
	// before switching to a timestamp-salted generator.
	maxCollisionRetries = 8
)

// ErrExhausted is returned when even the salted fallback draw collides,
// which in practice means the registry is saturated.
var ErrExhausted = errors.New("invite code space exhausted")

// Generate draws a random code, retrying on collision with live sessions,
// and falls back to a timestamp-salted draw before giving up. taken reports
// whether a code is currently bound; callers hold whatever lock makes that
// answer stable until the code is registered.
func Generate(taken func(string) bool) (string, error) {
	for i := 0; i <= maxCollisionRetries; i++ {
		code := randomCode(rand.IntN)
		if !taken(code) {
			return code, nil
		}
	}

	// Salted fallback: fold the nanosecond clock into a dedicated
	// generator so repeated exhaustion cannot replay the same sequence.
	salted := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), rand.Uint64()))
	code := randomCode(salted.IntN)
	if taken(code) {
		return "", ErrExhausted
	}
	return code, nil
}

// Canonicalize trims and uppercases a code received at a boundary and
// reports whether the result is a well-formed invite code. Matching is
// case-insensitive everywhere; storage and display are always uppercase.
func Canonicalize(raw string) (string, bool) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if len(code) != Length {
		return "", false
	}
	for i := 0; i < len(code); i++ {
		if !strings.ContainsRune(Charset, rune(code[i])) {
			return "", false
		}
	}
	return code, true
}

func randomCode(intN func(int) int) string {
	var b [Length]byte
	for i := range b {
		b[i] = Charset[intN(len(Charset))]
	}
	return string(b[:])
}
