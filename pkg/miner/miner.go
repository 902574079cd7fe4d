package miner

import (
	"context"
	"encoding/hex"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/screa/blockfeed-miner/internal/logger"
	"github.com/screa/blockfeed-miner/pkg/types"
	"github.com/screa/blockfeed-miner/pkg/worker"
)

// Options tunes how a Miner spreads one search over goroutines.
type Options struct {
	Workers       int
	CheckInterval uint64        // evaluations between looks at the shared stop state
	LogInterval   time.Duration // 0 disables periodic progress logging
}

type progress struct {
	attempts uint64
	lastHash []byte
}

// Miner partitions the nonce space of one search across workers.
// Worker i of N tries StartNonce+i, StartNonce+i+N, ... and the lowest
// qualifying nonce wins, so the result matches worker.Search over the same range.
// A Miner runs a single search.
type Miner struct {
	params  types.SearchParams
	opts    Options
	logger  *logger.Logger
	shared  *worker.Shared
	reports []worker.Report
	wg      sync.WaitGroup
	once    sync.Once
	done    chan struct{}
}

// NewMiner creates a new miner instance
func NewMiner(params types.SearchParams, opts Options, log *logger.Logger) *Miner {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.CheckInterval == 0 {
		opts.CheckInterval = worker.DefaultCheckInterval
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Miner{
		params: params,
		opts:   opts,
		logger: log,
		shared: worker.NewShared(),
		done:   make(chan struct{}),
	}
}

// Mine runs the search until a match, exhaustion of MaxAttempts, Stop, or ctx cancellation.
// A match is reported as StatusFound only once every lower nonce was checked; a Stop
// that cuts that short yields StatusCancelled and Resume points at the gap.
func (m *Miner) Mine(ctx context.Context) types.Outcome {
	start := time.Now()

	n := uint64(m.opts.Workers)
	total := m.params.MaxAttempts
	if total > 0 && n > total {
		n = total
	}
	m.reports = make([]worker.Report, n)

	stopOnCancel := context.AfterFunc(ctx, m.Stop)
	defer stopOnCancel()

	var (
		progressCh   chan progress
		progressDone chan struct{}
	)
	if m.params.OnProgress != nil && m.params.ProgressInterval > 0 {
		progressCh = make(chan progress, 1)
		progressDone = make(chan struct{})
		go m.deliverProgress(progressCh, progressDone)
	}

	// Start workers
	for i := uint64(0); i < n; i++ {
		count := uint64(0)
		if total > 0 {
			count = (total - i + n - 1) / n
		}
		m.wg.Add(1)
		go m.worker(i, n, count, progressCh)
	}

	// Start periodic logging if enabled
	var logTicker *time.Ticker
	var logDone chan struct{}
	if m.opts.LogInterval > 0 {
		logTicker = time.NewTicker(m.opts.LogInterval)
		logDone = make(chan struct{})
		go m.periodicLogger(logTicker, logDone, start)

		m.logger.Debugf("Mining started with %d workers, logging every %v...", n, m.opts.LogInterval)
	}

	// Wait for completion
	m.wg.Wait()

	// Stop periodic logging
	if logTicker != nil {
		logTicker.Stop()
		close(logDone)
	}
	if progressCh != nil {
		close(progressCh)
		<-progressDone
	}

	return m.collect(start)
}

// worker runs the scan for a single partition of the nonce space
func (m *Miner) worker(id, stride, count uint64, progressCh chan<- progress) {
	defer m.wg.Done()

	var onBatch func(uint64, uint64, []byte)
	if progressCh != nil {
		interval := m.params.ProgressInterval
		onBatch = func(total, added uint64, lastHash []byte) {
			// Each flush owns a disjoint slice of the shared count, so exactly one
			// worker crosses any given boundary. Delivery never blocks the scan.
			if total/interval == (total-added)/interval {
				return
			}
			select {
			case progressCh <- progress{attempts: total, lastHash: append([]byte(nil), lastHash...)}:
			default:
			}
		}
	}

	w := worker.NewWorker(&m.params)
	m.reports[id] = w.Scan(id, stride, count, m.shared, m.opts.CheckInterval, onBatch)
}

func (m *Miner) deliverProgress(ch <-chan progress, done chan<- struct{}) {
	defer close(done)
	for p := range ch {
		m.params.OnProgress(p.attempts, p.lastHash)
	}
}

// collect folds the worker reports into one outcome.
func (m *Miner) collect(start time.Time) types.Outcome {
	out := types.Outcome{
		Status:   types.StatusExhausted,
		Nonce:    m.params.StartNonce,
		Attempts: m.shared.Attempts.Load(),
		Duration: time.Since(start),
	}

	var winner, last *worker.Report
	completed := true
	for i := range m.reports {
		r := &m.reports[i]
		if r.Found && (winner == nil || r.Offset < winner.Offset) {
			winner = r
		}
		if r.Evaluated > 0 && (last == nil || r.Offset > last.Offset) {
			last = r
		}
		completed = completed && r.Completed
	}

	switch {
	case winner != nil && m.covered() < winner.Offset:
		// Stopped before every lower offset was checked; the match may not be the lowest.
		out.Status = types.StatusCancelled
	case winner != nil:
		out.Status = types.StatusFound
		last = winner
	case !completed:
		out.Status = types.StatusCancelled
	}
	if last != nil {
		out.Nonce = m.params.StartNonce + last.Offset
		out.Hash = hex.EncodeToString(last.Digest)
	}
	return out
}

// Stop stops the mining process
func (m *Miner) Stop() {
	m.once.Do(func() {
		m.shared.Stop.Store(true)
		close(m.done)
	})
}

// Done is closed once Stop has been called.
func (m *Miner) Done() <-chan struct{} {
	return m.done
}

// Resume returns the nonce a stopped search should restart from: every
// nonce from StartNonce up to it was evaluated. Call it after Mine returns.
func (m *Miner) Resume() uint64 {
	next := m.covered()
	if next == math.MaxUint64 {
		return m.params.StartNonce
	}
	return m.params.StartNonce + next
}

// covered returns the lowest offset some stopped worker never reached, or
// math.MaxUint64 when every worker finished its range or matched.
func (m *Miner) covered() uint64 {
	stride := uint64(len(m.reports))
	next := uint64(math.MaxUint64)
	for i := range m.reports {
		r := &m.reports[i]
		if r.Found || r.Completed {
			continue
		}
		off := uint64(i)
		if r.Evaluated > 0 {
			off = r.Offset + stride
		}
		next = min(next, off)
	}
	return next
}

// Attempts returns the number of evaluations published so far.
func (m *Miner) Attempts() uint64 {
	return m.shared.Attempts.Load()
}

// periodicLogger logs mining progress at regular intervals
func (m *Miner) periodicLogger(ticker *time.Ticker, done chan struct{}, start time.Time) {
	for {
		select {
		case <-ticker.C:
			attempts := m.shared.Attempts.Load()
			elapsed := time.Since(start)

			// Calculate rate safely
			rate := 0.0
			if elapsed.Seconds() > 0 {
				rate = float64(attempts) / elapsed.Seconds()
			}

			m.logger.Infof("Progress: %d attempts, %.2f hashes/sec", attempts, rate)
		case <-done:
			return
		}
	}
}
