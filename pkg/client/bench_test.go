package client_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pixperk/turnstile/pkg/lock"
	"github.com/stretchr/testify/require"
)

// Run with: go test -bench=. -benchtime=10s ./pkg/client/
// and go test -run=Percentile -v ./pkg/client/

type latencyStats struct {
	samples []time.Duration
	mu      sync.Mutex
}

func (s *latencyStats) record(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, d)
}

func (s *latencyStats) calculate() map[string]time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.samples) == 0 {
		return nil
	}

	sort.Slice(s.samples, func(i, j int) bool {
		return s.samples[i] < s.samples[j]
	})

	percentile := func(p float64) time.Duration {
		idx := int(float64(len(s.samples)) * p)
		if idx >= len(s.samples) {
			idx = len(s.samples) - 1
		}
		return s.samples[idx]
	}

	return map[string]time.Duration{
		"min": s.samples[0],
		"p50": percentile(0.50),
		"p90": percentile(0.90),
		"p99": percentile(0.99),
		"max": s.samples[len(s.samples)-1],
	}
}

func newMutexes(t testing.TB, srv *testServer, path string, n int) []*lock.Mutex {
	t.Helper()
	mutexes := make([]*lock.Mutex, n)
	for i := range mutexes {
		m, err := lock.NewMutex(srv.connect(t, fmt.Sprintf("client-%d", i), 10*time.Second), path,
			lock.WithRetryInterval(10*time.Millisecond))
		require.NoError(t, err)
		mutexes[i] = m
	}
	return mutexes
}

func BenchmarkSequential(b *testing.B) {
	srv := startServer(b)
	m := newMutexes(b, srv, "/bench/sequential", 1)[0]
	ctx := context.Background()
	owner := lock.NewOwner()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := m.Acquire(ctx, owner); err != nil {
			b.Fatalf("Failed to acquire: %v", err)
		}
		m.Release(ctx, owner)
	}
}

func BenchmarkReentrant(b *testing.B) {
	srv := startServer(b)
	m := newMutexes(b, srv, "/bench/reentrant", 1)[0]
	ctx := context.Background()
	owner := lock.NewOwner()

	require.NoError(b, m.Acquire(ctx, owner))
	defer m.Release(ctx, owner)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Acquire(ctx, owner)
		m.Release(ctx, owner)
	}
}

func BenchmarkContention(b *testing.B) {
	const numClients = 3
	srv := startServer(b)
	mutexes := newMutexes(b, srv, "/bench/contention", numClients)
	ctx := context.Background()

	b.ResetTimer()

	var wg sync.WaitGroup
	opsPerClient := b.N / numClients

	for _, m := range mutexes {
		wg.Add(1)
		go func(m *lock.Mutex) {
			defer wg.Done()
			owner := lock.NewOwner()
			for j := 0; j < opsPerClient; j++ {
				if err := m.Acquire(ctx, owner); err != nil {
					continue
				}
				m.Release(ctx, owner)
			}
		}(m)
	}

	wg.Wait()
}

func TestPercentileContention(t *testing.T) {
	if testing.Short() {
		t.Skip("latency report")
	}

	const numClients = 3
	iterations := 90
	srv := startServer(t)
	mutexes := newMutexes(t, srv, "/bench/percentile", numClients)
	ctx := context.Background()
	stats := &latencyStats{}

	t.Logf("Running %d contention operations (%d clients competing)...", iterations, numClients)

	var wg sync.WaitGroup
	opsPerClient := iterations / numClients

	for _, m := range mutexes {
		wg.Add(1)
		go func(m *lock.Mutex) {
			defer wg.Done()
			owner := lock.NewOwner()
			for j := 0; j < opsPerClient; j++ {
				start := time.Now()
				if err := m.Acquire(ctx, owner); err != nil {
					t.Errorf("Failed to acquire: %v", err)
					return
				}
				time.Sleep(1 * time.Millisecond) // simulate work
				m.Release(ctx, owner)
				stats.record(time.Since(start))
			}
		}(m)
	}

	wg.Wait()

	percentiles := stats.calculate()
	require.NotNil(t, percentiles)
	require.Len(t, stats.samples, iterations)

	t.Logf("=== Contention Latency Percentiles ===")
	for _, key := range []string{"min", "p50", "p90", "p99", "max"} {
		t.Logf("  %-4s %v", key+":", percentiles[key])
	}
}
