package rpc

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/screa/blockfeed-miner/internal/logger"
	"github.com/screa/blockfeed-miner/internal/metrics"
	"github.com/screa/blockfeed-miner/pkg/types"
)

// BlockSubmitter is the node call a Submitter depends on.
type BlockSubmitter interface {
	SubmitBlock(ctx context.Context, data string) error
}

// SubmitterOptions configures a Submitter.
type SubmitterOptions struct {
	PerMinute float64
	Burst     int
	Timeout   time.Duration
	Metrics   *metrics.Metrics
}

// Submitter hands found solutions to the node in the background. Results are
// only logged and counted; failures never reach the search.
type Submitter struct {
	client  BlockSubmitter
	limiter *rate.Limiter
	timeout time.Duration
	logger  *logger.Logger
	metrics *metrics.Metrics
	wg      sync.WaitGroup
}

// NewSubmitter creates a submitter over client.
func NewSubmitter(client BlockSubmitter, opts SubmitterOptions, log *logger.Logger) *Submitter {
	perSecond := opts.PerMinute / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Submitter{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		timeout: opts.Timeout,
		logger:  log,
		metrics: opts.Metrics,
	}
}

// Submit sends sol.Hash to the node without waiting for the answer.
func (s *Submitter) Submit(sol types.Solution) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.submit(sol)
	}()
}

// Wait blocks until every in-flight submission has finished.
func (s *Submitter) Wait() {
	s.wg.Wait()
}

func (s *Submitter) submit(sol types.Solution) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.limiter.Wait(ctx); err != nil {
		s.logger.Warnw("submission dropped by rate limit", "hash", sol.Hash, "error", err)
		s.metrics.Submission("dropped")
		return
	}

	err := s.client.SubmitBlock(ctx, sol.Hash)
	var rejected *RejectedError
	switch {
	case err == nil:
		s.logger.Infow("submission accepted", "hash", sol.Hash, "nonce", sol.Nonce)
		s.metrics.Submission("accepted")
	case errors.As(err, &rejected):
		s.logger.Warnw("submission rejected", "hash", sol.Hash, "reason", rejected.Reason)
		s.metrics.Submission("rejected")
	default:
		s.logger.Errorw("submission failed", "hash", sol.Hash, "error", err)
		s.metrics.Submission("failed")
	}
}
