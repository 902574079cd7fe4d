package miner

import (
	"bytes"
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/screa/blockfeed-miner/internal/crypto"
	"github.com/screa/blockfeed-miner/internal/logger"
	"github.com/screa/blockfeed-miner/pkg/target"
	"github.com/screa/blockfeed-miner/pkg/types"
	"github.com/screa/blockfeed-miner/pkg/worker"
)

var testPrefix = []byte("abc123def456")

func zeros(t *testing.T, n int) target.Target {
	t.Helper()
	tgt, err := target.Zeros(n)
	require.NoError(t, err)
	return tgt
}

func TestNewMiner(t *testing.T) {
	miner := NewMiner(types.SearchParams{Prefix: testPrefix}, Options{}, nil)
	if miner == nil {
		t.Fatal("NewMiner returned nil")
	}
	require.Equal(t, runtime.NumCPU(), miner.opts.Workers)
	require.Equal(t, uint64(worker.DefaultCheckInterval), miner.opts.CheckInterval)
	require.NotNil(t, miner.logger)
}

func TestMineMatchesSingleThreaded(t *testing.T) {
	tests := []struct {
		name  string
		start uint64
		alg   crypto.Algorithm
	}{
		{name: "from zero", start: 0},
		{name: "past first match", start: 186},
		{name: "between matches", start: 200},
		{name: "double sha", start: 0, alg: crypto.DoubleSHA256},
		{name: "blake3", start: 42, alg: crypto.Blake3},
	}

	for _, tt := range tests {
		params := types.SearchParams{
			Prefix:     testPrefix,
			Target:     zeros(t, 2),
			Algorithm:  tt.alg,
			StartNonce: tt.start,
		}
		want := worker.Search(params)
		require.True(t, want.Found())

		for _, workers := range []int{1, 2, 3, 4, 7} {
			t.Run(tt.name, func(t *testing.T) {
				// A small check interval makes workers overshoot each other often.
				got := NewMiner(params, Options{Workers: workers, CheckInterval: 3}, nil).Mine(context.Background())
				require.Equal(t, types.StatusFound, got.Status, "workers=%d", workers)
				require.Equal(t, want.Nonce, got.Nonce, "workers=%d", workers)
				require.Equal(t, want.Hash, got.Hash, "workers=%d", workers)
			})
		}
	}
}

func TestMineExhausted(t *testing.T) {
	params := types.SearchParams{
		Prefix:      testPrefix,
		Target:      zeros(t, target.MaxZeros),
		MaxAttempts: 1000,
	}
	out := NewMiner(params, Options{Workers: 4, CheckInterval: 64}, nil).Mine(context.Background())
	require.Equal(t, types.StatusExhausted, out.Status)
	require.Equal(t, uint64(1000), out.Attempts)
	require.Equal(t, uint64(999), out.Nonce)
	require.Equal(t, "f2bcf13421250d047197a12c7b602ee947c3a52d4bd289e4c9322cc5a25cd1ab", out.Hash)
}

func TestMineMoreWorkersThanAttempts(t *testing.T) {
	params := types.SearchParams{
		Prefix:      testPrefix,
		Target:      zeros(t, target.MaxZeros),
		StartNonce:  10,
		MaxAttempts: 3,
	}
	out := NewMiner(params, Options{Workers: 8}, nil).Mine(context.Background())
	require.Equal(t, types.StatusExhausted, out.Status)
	require.Equal(t, uint64(3), out.Attempts)
	require.Equal(t, uint64(12), out.Nonce)
}

func TestMineCancelled(t *testing.T) {
	params := types.SearchParams{Prefix: testPrefix, Target: zeros(t, target.MaxZeros)}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	out := NewMiner(params, Options{Workers: 2}, nil).Mine(ctx)
	require.Equal(t, types.StatusCancelled, out.Status)
	require.NotZero(t, out.Attempts)
	require.Len(t, out.Hash, 64)
}

func TestMineStop(t *testing.T) {
	params := types.SearchParams{Prefix: testPrefix, Target: zeros(t, target.MaxZeros)}
	miner := NewMiner(params, Options{Workers: 2}, nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		miner.Stop()
		miner.Stop()
	}()

	out := miner.Mine(context.Background())
	require.Equal(t, types.StatusCancelled, out.Status)
	require.Equal(t, out.Attempts, miner.Attempts())
	select {
	case <-miner.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestMineResume(t *testing.T) {
	params := types.SearchParams{Prefix: testPrefix, Target: zeros(t, target.MaxZeros), StartNonce: 50}

	idle := NewMiner(params, Options{Workers: 3}, nil)
	idle.Stop()
	require.Equal(t, types.StatusCancelled, idle.Mine(context.Background()).Status)
	require.Equal(t, uint64(50), idle.Resume())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	busy := NewMiner(params, Options{Workers: 3, CheckInterval: 7}, nil)
	out := busy.Mine(ctx)
	require.Equal(t, types.StatusCancelled, out.Status)
	require.Greater(t, busy.Resume(), params.StartNonce)
	require.LessOrEqual(t, busy.Resume(), out.Nonce+1)
}

func TestCollectStoppedBelowMatch(t *testing.T) {
	digest := crypto.Digest(crypto.SHA256, testPrefix, 185)
	tests := []struct {
		name       string
		evenWorker worker.Report
		wantStatus types.Status
		wantNonce  uint64
		wantResume uint64
	}{
		{
			name:       "even worker stopped below the match",
			evenWorker: worker.Report{Offset: 18, Evaluated: 10, Digest: digest},
			wantStatus: types.StatusCancelled,
			wantNonce:  185,
			wantResume: 20,
		},
		{
			name:       "even worker passed the match",
			evenWorker: worker.Report{Offset: 186, Evaluated: 94, Digest: digest},
			wantStatus: types.StatusFound,
			wantNonce:  185,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMiner(types.SearchParams{Prefix: testPrefix, Target: zeros(t, 2)}, Options{Workers: 2}, nil)
			m.reports = []worker.Report{
				tt.evenWorker,
				{Found: true, Offset: 185, Evaluated: 93, Digest: digest},
			}
			out := m.collect(time.Now())
			require.Equal(t, tt.wantStatus, out.Status)
			require.Equal(t, tt.wantNonce, out.Nonce)
			if tt.wantStatus == types.StatusCancelled {
				require.Equal(t, tt.wantResume, m.Resume())
			}
		})
	}
}

func TestMineProgress(t *testing.T) {
	var (
		mu       sync.Mutex
		calls    []uint64
		hashLens []int
	)
	params := types.SearchParams{
		Prefix:           testPrefix,
		Target:           zeros(t, target.MaxZeros),
		MaxAttempts:      250_000,
		ProgressInterval: 100_000,
		OnProgress: func(attempts uint64, lastHash []byte) {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, attempts)
			hashLens = append(hashLens, len(lastHash))
		},
	}
	out := NewMiner(params, Options{Workers: 4}, nil).Mine(context.Background())
	require.Equal(t, types.StatusExhausted, out.Status)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, calls)
	require.LessOrEqual(t, len(calls), 2)
	for _, c := range calls {
		require.GreaterOrEqual(t, c, uint64(100_000))
	}
	for _, n := range hashLens {
		require.Equal(t, crypto.DigestLen, n)
	}
}

func TestMinePeriodicLogger(t *testing.T) {
	var buf syncBuffer
	params := types.SearchParams{Prefix: testPrefix, Target: zeros(t, target.MaxZeros)}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	NewMiner(params, Options{Workers: 1, LogInterval: 10 * time.Millisecond}, logger.NewWriter(&buf, "info")).Mine(ctx)
	require.Contains(t, buf.String(), "Progress:")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
