package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/screa/blockfeed-miner/internal/metrics"
)

const blockMsg = `{"op":"block","x":{"txIndexes":[],"nTx":2,"hash":"%s","height":%d,"mrklRoot":"def456","time":1700000000,"bits":386089497,"nonce":12}}`

func TestParseNotification(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    *Block
		wantErr bool
	}{
		{
			name: "block",
			in:   `{"op":"block","x":{"hash":"abc123","mrklRoot":"def456","height":7,"nTx":3}}`,
			want: &Block{Hash: "abc123", MerkleRoot: "def456", Height: 7, TxCount: 3},
		},
		{name: "other op", in: `{"op":"utx","x":{"hash":"ff"}}`},
		{name: "pong", in: `{"op":"pong"}`},
		{name: "not json", in: `hello`, wantErr: true},
		{name: "block without payload", in: `{"op":"block"}`, wantErr: true},
		{name: "block missing merkle", in: `{"op":"block","x":{"hash":"abc"}}`, wantErr: true},
		{name: "block with wrong types", in: `{"op":"block","x":{"hash":5}}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNotification([]byte(tt.in))
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

// feedServer accepts connections, waits for blocks_sub, writes msgs and hangs up.
func feedServer(t *testing.T, msgs func(conn int) []string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(conns.Add(1))
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "bye")

		ctx := r.Context()
		_, sub, err := c.Read(ctx)
		if err != nil || !strings.Contains(string(sub), `"blocks_sub"`) {
			c.Close(websocket.StatusPolicyViolation, "expected blocks_sub")
			return
		}
		for _, m := range msgs(n) {
			if err := c.Write(ctx, websocket.MessageText, []byte(m)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &conns
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func fastBackoff() Backoff {
	return Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2}
}

func TestSubscriberDeliversAndReconnects(t *testing.T) {
	srv, conns := feedServer(t, func(n int) []string {
		return []string{
			`garbage`,
			`{"op":"pong"}`,
			fmt.Sprintf(blockMsg, "aaaaaaaa", 100),
		}
	})

	reg := prometheus.NewRegistry()
	sub := NewSubscriber(Options{URL: wsURL(srv), Backoff: fastBackoff(), Metrics: metrics.New(reg)}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := make(chan Block)
	errCh := make(chan error, 1)
	go func() { errCh <- sub.Run(ctx, out) }()

	for i := 0; i < 2; i++ {
		select {
		case b := <-out:
			require.Equal(t, "aaaaaaaa", b.Hash)
			require.Equal(t, "def456", b.MerkleRoot)
			require.Equal(t, uint64(100), b.Height)
		case <-ctx.Done():
			t.Fatal("timed out waiting for block")
		}
	}
	require.GreaterOrEqual(t, conns.Load(), int32(2))

	cancel()
	require.NoError(t, <-errCh)
}

func TestSubscriberFatalHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	sub := NewSubscriber(Options{URL: wsURL(srv), Backoff: fastBackoff()}, nil)
	err := sub.Run(context.Background(), make(chan Block))
	require.ErrorIs(t, err, ErrFatal)
	require.Contains(t, err.Error(), "403")
}

func TestSubscriberInvalidURL(t *testing.T) {
	for _, u := range []string{"", "ftp://example.com/inv", "ws://", "://bad"} {
		err := NewSubscriber(Options{URL: u}, nil).Run(context.Background(), make(chan Block))
		require.ErrorIs(t, err, ErrFatal, "url %q", u)
	}
}

func TestSubscriberGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := wsURL(srv)
	srv.Close() // nothing listens any more: every dial is a transient failure

	b := fastBackoff()
	b.MaxAttempts = 3
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	err := NewSubscriber(Options{URL: addr, Backoff: b, DialTimeout: time.Second, Metrics: m}, nil).
		Run(context.Background(), make(chan Block))
	require.ErrorIs(t, err, ErrFatal)
	require.Contains(t, err.Error(), "3 reconnect attempts")
}

func TestSubscriberStopsDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := wsURL(srv)
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	b := Backoff{Initial: time.Hour, Max: time.Hour, Multiplier: 1}
	require.NoError(t, NewSubscriber(Options{URL: addr, Backoff: b}, nil).Run(ctx, make(chan Block)))
}
