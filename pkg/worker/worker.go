package worker

import (
	"encoding/hex"
	"hash"
	"math"
	"sync/atomic"
	"time"

	"github.com/screa/blockfeed-miner/internal/crypto"
	"github.com/screa/blockfeed-miner/pkg/types"
)

// DefaultCheckInterval is how many evaluations a worker runs between looks at shared state.
const DefaultCheckInterval = 1000

// Shared is the state the workers of one partitioned search coordinate through.
// Offsets are relative to SearchParams.StartNonce.
type Shared struct {
	Best     atomic.Uint64 // lowest matching offset; math.MaxUint64 while none
	Stop     atomic.Bool
	Attempts atomic.Uint64
}

// NewShared returns Shared with no match recorded.
func NewShared() *Shared {
	s := &Shared{}
	s.Best.Store(math.MaxUint64)
	return s
}

// Report is what a single worker saw during Scan.
type Report struct {
	Found     bool
	Completed bool   // the assigned range was fully evaluated
	Offset    uint64 // matching offset, or the last offset evaluated
	Digest    []byte // digest at Offset
	Evaluated uint64
}

// Worker evaluates nonces with its own hasher and scratch buffers.
// A Worker must not be shared between goroutines.
type Worker struct {
	params *types.SearchParams
	hasher hash.Hash

	// Pre-allocated buffers for performance
	input  []byte // prefix followed by the encoded nonce
	digest [64]byte
}

// NewWorker creates a new worker instance
func NewWorker(params *types.SearchParams) *Worker {
	input := make([]byte, len(params.Prefix), len(params.Prefix)+20)
	copy(input, params.Prefix)
	return &Worker{
		params: params,
		hasher: params.Algorithm.New(),
		input:  input,
	}
}

// Hash digests prefix || decimal(nonce). The returned slice is reused by the next call.
func (w *Worker) Hash(nonce uint64) []byte {
	w.input = crypto.AppendNonce(w.input[:len(w.params.Prefix)], nonce)
	w.hasher.Reset()
	w.hasher.Write(w.input)
	return w.hasher.Sum(w.digest[:0])
}

// Search runs the single-threaded scan from params.StartNonce. It performs no
// I/O and always returns; only MaxAttempts or the end of the nonce space stop
// a search whose target is never met.
func Search(params types.SearchParams) types.Outcome {
	start := time.Now()
	w := NewWorker(&params)

	var (
		attempts uint64
		digest   []byte
	)
	nonce := params.StartNonce
	for {
		digest = w.Hash(nonce)
		attempts++

		if params.Target.Met(digest) {
			return outcome(types.StatusFound, nonce, digest, attempts, start)
		}
		if params.OnProgress != nil && params.ProgressInterval > 0 && attempts%params.ProgressInterval == 0 {
			params.OnProgress(attempts, digest)
		}
		if attempts == params.MaxAttempts || nonce == math.MaxUint64 {
			return outcome(types.StatusExhausted, nonce, digest, attempts, start)
		}
		nonce++
	}
}

// Scan evaluates offsets offset, offset+stride, ... for at most count
// evaluations (0 means until the nonce space ends). Every checkEvery
// evaluations it publishes its count to shared.Attempts, calls onBatch with
// the new total and the amount just added, and returns early once shared.Stop is set or a lower match
// than its current offset has been recorded.
func (w *Worker) Scan(offset, stride, count uint64, shared *Shared, checkEvery uint64, onBatch func(total, added uint64, lastHash []byte)) Report {
	if stride == 0 {
		stride = 1
	}
	if checkEvery == 0 {
		checkEvery = DefaultCheckInterval
	}

	var (
		rep     Report
		digest  []byte
		pending uint64
	)
	limit := math.MaxUint64 - w.params.StartNonce

	flush := func() {
		if pending == 0 {
			return
		}
		added := pending
		pending = 0
		total := shared.Attempts.Add(added)
		if onBatch != nil {
			onBatch(total, added, digest)
		}
	}
	finish := func() Report {
		flush()
		if digest != nil {
			rep.Digest = append([]byte(nil), digest...)
		}
		return rep
	}

	if offset > limit || shared.Stop.Load() {
		rep.Completed = offset > limit
		return rep
	}

	for {
		digest = w.Hash(w.params.StartNonce + offset)
		pending++
		rep.Evaluated++
		rep.Offset = offset

		if w.params.Target.Met(digest) {
			for {
				cur := shared.Best.Load()
				if offset >= cur || shared.Best.CompareAndSwap(cur, offset) {
					break
				}
			}
			rep.Found = true
			return finish()
		}

		if rep.Evaluated == count || limit-offset < stride {
			rep.Completed = true
			return finish()
		}

		if pending == checkEvery {
			flush()
			if shared.Stop.Load() || offset >= shared.Best.Load() {
				return finish()
			}
		}
		offset += stride
	}
}

func outcome(status types.Status, nonce uint64, digest []byte, attempts uint64, start time.Time) types.Outcome {
	return types.Outcome{
		Status:   status,
		Nonce:    nonce,
		Hash:     hex.EncodeToString(digest),
		Attempts: attempts,
		Duration: time.Since(start),
	}
}
