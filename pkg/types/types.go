package types

import (
	"time"

	"github.com/screa/blockfeed-miner/internal/crypto"
	"github.com/screa/blockfeed-miner/pkg/target"
)

// ProgressFunc receives the running attempt count and the last digest computed.
// lastHash is only valid for the duration of the call.
type ProgressFunc func(attempts uint64, lastHash []byte)

// SearchParams describes one nonce search. It is read-only while a search runs.
type SearchParams struct {
	Prefix     []byte
	Target     target.Target
	Algorithm  crypto.Algorithm
	StartNonce uint64

	// MaxAttempts bounds the number of evaluations. 0 means unbounded.
	MaxAttempts uint64

	// OnProgress, if set, is called every ProgressInterval attempts.
	ProgressInterval uint64
	OnProgress       ProgressFunc
}

// Status is the terminal state of a search.
type Status int

const (
	StatusFound Status = iota + 1
	StatusExhausted
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusFound:
		return "found"
	case StatusExhausted:
		return "exhausted"
	case StatusCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Outcome is produced exactly once per search.
// For StatusFound, Nonce and Hash are the winner. Otherwise they are the highest
// nonce tried and its digest; an exhausted search continues from Nonce+1.
type Outcome struct {
	Status   Status
	Nonce    uint64
	Hash     string
	Attempts uint64
	Duration time.Duration
}

// Found reports whether the search produced a qualifying nonce.
func (o Outcome) Found() bool {
	return o.Status == StatusFound
}

// Rate returns hashes per second.
func (o Outcome) Rate() float64 {
	if o.Duration.Seconds() <= 0 {
		return 0
	}
	return float64(o.Attempts) / o.Duration.Seconds()
}

// Solution is a found result tied to the block it was mined for.
type Solution struct {
	PrevHash   string        `json:"prevHash"`
	MerkleRoot string        `json:"merkleRoot"`
	Height     uint64        `json:"height,omitempty"`
	Algorithm  string        `json:"algorithm"`
	Target     string        `json:"target"`
	StartNonce uint64        `json:"startNonce"` // no nonce from StartNonce below Nonce qualifies
	Nonce      uint64        `json:"nonce"`
	Hash       string        `json:"hash"`
	Attempts   uint64        `json:"attempts"`
	Duration   time.Duration `json:"duration"`
	FoundAt    time.Time     `json:"foundAt"`
}
