// Package feed subscribes to a public WebSocket block notification feed.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/screa/blockfeed-miner/internal/logger"
	"github.com/screa/blockfeed-miner/internal/metrics"
)

const (
	opBlock     = "block"
	opSubscribe = "blocks_sub"

	defaultDialTimeout = 15 * time.Second
	defaultReadLimit   = 4 << 20
)

// Errors
var (
	ErrMalformed = errors.New("malformed notification")
	ErrFatal     = errors.New("fatal feed error")
)

// Block is the part of a block notification the miner uses.
type Block struct {
	Hash       string `json:"hash"`
	MerkleRoot string `json:"mrklRoot"`
	Height     uint64 `json:"height"`
	Time       int64  `json:"time"`
	Bits       uint64 `json:"bits"`
	Nonce      uint64 `json:"nonce"`
	TxCount    int    `json:"nTx"`
}

type notification struct {
	Op string          `json:"op"`
	X  json.RawMessage `json:"x"`
}

// ParseNotification decodes one feed message. Messages other than block
// notifications yield (nil, nil).
func ParseNotification(data []byte) (*Block, error) {
	var n notification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if n.Op != opBlock {
		return nil, nil
	}

	var b Block
	if len(n.X) == 0 {
		return nil, fmt.Errorf("%w: block without payload", ErrMalformed)
	}
	if err := json.Unmarshal(n.X, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if b.Hash == "" || b.MerkleRoot == "" {
		return nil, fmt.Errorf("%w: block missing hash or mrklRoot", ErrMalformed)
	}
	return &b, nil
}

// Options configures a Subscriber.
type Options struct {
	URL         string
	Backoff     Backoff
	DialTimeout time.Duration
	ReadLimit   int64
	Metrics     *metrics.Metrics
}

// Subscriber keeps a blocks_sub subscription open, reconnecting on transient failures.
type Subscriber struct {
	url         string
	backoff     Backoff
	dialTimeout time.Duration
	readLimit   int64
	logger      *logger.Logger
	metrics     *metrics.Metrics
}

// NewSubscriber creates a subscriber; nothing is dialed until Run.
func NewSubscriber(opts Options, log *logger.Logger) *Subscriber {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Subscriber{
		url:         opts.URL,
		backoff:     opts.Backoff,
		dialTimeout: opts.DialTimeout,
		readLimit:   opts.ReadLimit,
		logger:      log,
		metrics:     opts.Metrics,
	}
}

// Run delivers blocks to out until ctx is cancelled (returning nil) or a fatal
// error occurs. Malformed messages are logged and skipped.
func (s *Subscriber) Run(ctx context.Context, out chan<- Block) error {
	if err := validateURL(s.url); err != nil {
		return err
	}

	for {
		err := s.session(ctx, out)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrFatal) {
			return err
		}

		delay, ok := s.backoff.Next()
		if !ok {
			return fmt.Errorf("%w: giving up after %d reconnect attempts: %v", ErrFatal, s.backoff.Attempts(), err)
		}
		s.logger.Warnw("feed connection lost, reconnecting",
			"error", err,
			"attempt", s.backoff.Attempts(),
			"retry_in", delay,
		)
		s.metrics.FeedReconnect()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session runs one connection from dial to the first read error.
func (s *Subscriber) session(ctx context.Context, out chan<- Block) error {
	dialCtx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	conn, resp, err := websocket.Dial(dialCtx, s.url, nil)
	cancel()
	if err != nil {
		if resp != nil && fatalStatus(resp.StatusCode) {
			return fmt.Errorf("%w: handshake rejected: %s", ErrFatal, resp.Status)
		}
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(s.readLimit)

	if err := wsjson.Write(ctx, conn, map[string]string{"op": opSubscribe}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.logger.Infow("subscribed to block feed", "url", s.url)
	s.backoff.Reset()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		block, err := ParseNotification(data)
		switch {
		case err != nil:
			s.logger.Warnw("skipping malformed notification", "error", err)
			s.metrics.FeedNotification("malformed")
			continue
		case block == nil:
			s.metrics.FeedNotification("other")
			continue
		}

		s.metrics.FeedNotification("block")
		s.logger.Infow("new block", "hash", block.Hash, "merkle_root", block.MerkleRoot, "height", block.Height)
		select {
		case out <- *block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func validateURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: feed url: %v", ErrFatal, err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("%w: feed url %q: unsupported scheme", ErrFatal, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: feed url %q: missing host", ErrFatal, raw)
	}
	return nil
}

// fatalStatus reports handshake responses that retrying cannot fix.
func fatalStatus(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusGone:
		return true
	}
	return false
}
