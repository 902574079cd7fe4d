// Package target implements the acceptance predicates a digest must satisfy.
package target

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
)

const (
	// MaxZeros is the longest hex zero prefix a 32-byte digest can carry.
	MaxZeros = 64

	// CeilingWidth is how many leading digest bytes a ceiling target compares.
	CeilingWidth = 16
)

// ErrInvalid is returned for targets that cannot be parsed or built.
var ErrInvalid = errors.New("invalid target")

// Kind selects how a Target judges a digest.
type Kind int

const (
	KindZeros Kind = iota
	KindCeiling
)

// Target is immutable once built. The zero value is Zeros(0) and accepts every digest.
type Target struct {
	kind    Kind
	zeros   int
	ceiling uint256.Int
}

// Zeros requires the hex encoding of a digest to start with n '0' characters.
func Zeros(n int) (Target, error) {
	if n < 0 || n > MaxZeros {
		return Target{}, fmt.Errorf("%w: zero count %d outside 0..%d", ErrInvalid, n, MaxZeros)
	}
	return Target{kind: KindZeros, zeros: n}, nil
}

// Ceiling requires the leading CeilingWidth bytes of a digest, read as a
// big-endian unsigned integer, to be <= max.
func Ceiling(max *uint256.Int) Target {
	t := Target{kind: KindCeiling}
	if max != nil {
		t.ceiling.Set(max)
	}
	return t
}

// Parse accepts "0000" (a run of zeros), "zeros:N", "max:0x<hex>" and "max:<decimal>".
func Parse(s string) (Target, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Target{}, fmt.Errorf("%w: empty", ErrInvalid)
	}

	kind, val, ok := strings.Cut(s, ":")
	if !ok {
		if strings.Trim(s, "0") != "" {
			return Target{}, fmt.Errorf("%w: %q", ErrInvalid, s)
		}
		return Zeros(len(s))
	}

	val = strings.TrimSpace(val)
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "zeros":
		n, err := strconv.Atoi(val)
		if err != nil {
			return Target{}, fmt.Errorf("%w: zero count %q", ErrInvalid, val)
		}
		return Zeros(n)
	case "max":
		max, err := parseUint256(val)
		if err != nil {
			return Target{}, err
		}
		return Ceiling(max), nil
	}
	return Target{}, fmt.Errorf("%w: unknown kind %q", ErrInvalid, kind)
}

func parseUint256(s string) (*uint256.Int, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		h := s[2:]
		if len(h)%2 != 0 {
			h = "0" + h
		}
		b, err := hex.DecodeString(h)
		if err != nil || len(b) == 0 || len(b) > 32 {
			return nil, fmt.Errorf("%w: ceiling %q", ErrInvalid, s)
		}
		return new(uint256.Int).SetBytes(b), nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: ceiling %q: %v", ErrInvalid, s, err)
	}
	return v, nil
}

// Kind reports which predicate the target applies.
func (t Target) Kind() Kind { return t.kind }

// Met reports whether digest satisfies the target.
func (t Target) Met(digest []byte) bool {
	if t.kind == KindCeiling {
		if len(digest) < CeilingWidth {
			return false
		}
		var v uint256.Int
		v.SetBytes(digest[:CeilingWidth])
		return !v.Gt(&t.ceiling)
	}

	full := t.zeros / 2
	if full > len(digest) || (t.zeros%2 == 1 && full >= len(digest)) {
		return false
	}
	for _, b := range digest[:full] {
		if b != 0 {
			return false
		}
	}
	return t.zeros%2 == 0 || digest[full]>>4 == 0
}

// String returns the form Parse accepts.
func (t Target) String() string {
	if t.kind == KindCeiling {
		return "max:" + t.ceiling.Hex()
	}
	return "zeros:" + strconv.Itoa(t.zeros)
}
