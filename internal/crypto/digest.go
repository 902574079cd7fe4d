package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/sha3"
	"lukechampine.com/blake3"
)

// Algorithm names a digest function the search engine can run.
type Algorithm string

const (
	SHA256       Algorithm = "sha256"
	DoubleSHA256 Algorithm = "sha256d"
	Keccak256    Algorithm = "keccak256"
	Blake3       Algorithm = "blake3"

	// DigestLen is the output size of every supported algorithm.
	DigestLen = 32
)

// Errors
var (
	ErrUnknownAlgorithm = errors.New("unknown digest algorithm")
	ErrEmptyPrevHash    = errors.New("previous block hash is empty")
)

// Algorithms lists the supported algorithms in display order.
func Algorithms() []Algorithm {
	return []Algorithm{SHA256, DoubleSHA256, Keccak256, Blake3}
}

// ParseAlgorithm resolves a case-insensitive algorithm name. An empty name means SHA256.
func ParseAlgorithm(name string) (Algorithm, error) {
	n := Algorithm(strings.ToLower(strings.TrimSpace(name)))
	if n == "" {
		return SHA256, nil
	}
	for _, a := range Algorithms() {
		if a == n {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
}

// New returns a fresh hasher. The zero Algorithm is SHA256.
// Panics on an algorithm ParseAlgorithm would have rejected.
func (a Algorithm) New() hash.Hash {
	switch a {
	case "", SHA256:
		return sha256.New()
	case DoubleSHA256:
		return &doubleSHA256{inner: sha256.New()}
	case Keccak256:
		return sha3.NewLegacyKeccak256()
	case Blake3:
		return blake3.New(DigestLen, nil)
	}
	panic(fmt.Sprintf("crypto: %v: %q", ErrUnknownAlgorithm, string(a)))
}

func (a Algorithm) String() string {
	if a == "" {
		return string(SHA256)
	}
	return string(a)
}

// AppendNonce appends the canonical nonce encoding (decimal ASCII) to dst.
func AppendNonce(dst []byte, nonce uint64) []byte {
	return strconv.AppendUint(dst, nonce, 10)
}

// HeaderPrefix builds the search prefix from the hex identifiers exactly as the
// feed delivers them. merkleRoot may be empty.
func HeaderPrefix(prevHash, merkleRoot string) ([]byte, error) {
	prev := strings.TrimSpace(prevHash)
	merkle := strings.TrimSpace(merkleRoot)
	if prev == "" {
		return nil, ErrEmptyPrevHash
	}
	if !isHex(prev) {
		return nil, fmt.Errorf("previous block hash is not hex: %q", prev)
	}
	if merkle != "" && !isHex(merkle) {
		return nil, fmt.Errorf("merkle root is not hex: %q", merkle)
	}
	out := make([]byte, 0, len(prev)+len(merkle))
	out = append(out, prev...)
	return append(out, merkle...), nil
}

// Digest computes alg(prefix || decimal(nonce)) in one shot.
func Digest(alg Algorithm, prefix []byte, nonce uint64) []byte {
	h := alg.New()
	h.Write(AppendNonce(append([]byte(nil), prefix...), nonce))
	return h.Sum(nil)
}

// DigestHex is Digest, hex encoded.
func DigestHex(alg Algorithm, prefix []byte, nonce uint64) string {
	return hex.EncodeToString(Digest(alg, prefix, nonce))
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// ---- helpers ----

// doubleSHA256 computes SHA256(SHA256(data)), bitcoin style.
type doubleSHA256 struct {
	inner hash.Hash
}

func (d *doubleSHA256) Write(p []byte) (int, error) { return d.inner.Write(p) }
func (d *doubleSHA256) Reset()                      { d.inner.Reset() }
func (d *doubleSHA256) Size() int                   { return sha256.Size }
func (d *doubleSHA256) BlockSize() int              { return sha256.BlockSize }

func (d *doubleSHA256) Sum(b []byte) []byte {
	var first [sha256.Size]byte
	d.inner.Sum(first[:0])
	second := sha256.Sum256(first[:])
	return append(b, second[:]...)
}
