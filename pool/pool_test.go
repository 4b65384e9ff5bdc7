package pool

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchReturnsOneResultPerTask(t *testing.T) {
	p := New(Config{MaxConcurrency: 3, DomainRatePerSec: 1000}, nil)

	urls := []string{
		"https://a.example.gov/1",
		"https://b.example.gov/2",
		"https://c.example.gov/3",
		"https://d.example.gov/4",
		"https://e.example.gov/5",
	}
	fn := func(ctx context.Context, u string) (int, error) {
		if strings.Contains(u, "b.example") || strings.Contains(u, "d.example") {
			return 0, fmt.Errorf("connection refused")
		}
		return 2, nil
	}

	result := p.Run(context.Background(), urls, fn, nil)

	assert.Len(t, result.Tasks, len(urls))
	assert.Equal(t, 3, result.SuccessfulTasks)
	assert.Equal(t, 2, result.FailedTasks)
	assert.Equal(t, len(urls), result.SuccessfulTasks+result.FailedTasks)
	assert.Equal(t, 6, result.TotalDocuments)

	for _, task := range result.Tasks {
		if task.Status == TaskFailed {
			assert.Contains(t, task.Error, "connection refused")
		}
	}
}

func TestConcurrencyCapIsEnforced(t *testing.T) {
	p := New(Config{MaxConcurrency: 2, DomainRatePerSec: 1000}, nil)

	var inflight, maxInflight int64
	fn := func(ctx context.Context, u string) (int, error) {
		n := atomic.AddInt64(&inflight, 1)
		for {
			prev := atomic.LoadInt64(&maxInflight)
			if n <= prev || atomic.CompareAndSwapInt64(&maxInflight, prev, n) {
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
		atomic.AddInt64(&inflight, -1)
		return 1, nil
	}

	urls := make([]string, 5)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://host%d.example.gov/", i)
	}

	start := time.Now()
	result := p.Run(context.Background(), urls, fn, nil)
	elapsed := time.Since(start)

	assert.Equal(t, 5, result.SuccessfulTasks)
	assert.LessOrEqual(t, atomic.LoadInt64(&maxInflight), int64(2))
	// ceil(5/2) = 3 rounds of 100ms.
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
}

func TestTaskTimeoutRecordedAsFailure(t *testing.T) {
	p := New(Config{MaxConcurrency: 2, TaskTimeout: 50 * time.Millisecond, DomainRatePerSec: 1000}, nil)

	fn := func(ctx context.Context, u string) (int, error) {
		select {
		case <-time.After(5 * time.Second):
			return 1, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	result := p.Run(context.Background(), []string{"https://slow.example.gov/"}, fn, nil)

	require.Len(t, result.Tasks, 1)
	assert.Equal(t, TaskFailed, result.Tasks[0].Status)
	assert.Contains(t, result.Tasks[0].Error, "timed out")
	assert.Equal(t, 1, result.FailedTasks)
}

func TestPerDomainRateLimit(t *testing.T) {
	p := New(Config{MaxConcurrency: 10, DomainRatePerSec: 2}, nil)

	fn := func(ctx context.Context, u string) (int, error) { return 1, nil }

	// 4 requests to one hostname at 2/s with burst 2: the batch has to
	// wait out at least one full window.
	urls := []string{
		"https://same.example.gov/a",
		"https://same.example.gov/b",
		"https://same.example.gov/c",
		"https://same.example.gov/d",
	}

	start := time.Now()
	result := p.Run(context.Background(), urls, fn, nil)
	elapsed := time.Since(start)

	assert.Equal(t, 4, result.SuccessfulTasks)
	assert.GreaterOrEqual(t, elapsed, 900*time.Millisecond)
}

func TestMemoryBackpressurePausesBeforeTask(t *testing.T) {
	p := New(Config{MaxConcurrency: 1, DomainRatePerSec: 1000, MemoryCeilingBytes: 1}, nil)

	var paused int64
	p.heapBytes = func() uint64 { return 2 } // always above ceiling
	p.sleep = func(d time.Duration) { atomic.AddInt64(&paused, 1) }

	fn := func(ctx context.Context, u string) (int, error) { return 1, nil }
	result := p.Run(context.Background(), []string{"https://x.example.gov/", "https://y.example.gov/"}, fn, nil)

	assert.Equal(t, 2, result.SuccessfulTasks)
	assert.Equal(t, int64(2), atomic.LoadInt64(&paused), "each task pauses while over the ceiling")
}

func TestProgressCallbackSeesEveryTransition(t *testing.T) {
	p := New(Config{MaxConcurrency: 1, DomainRatePerSec: 1000}, nil)

	var mu sync.Mutex
	var snapshots [][]TaskProgress
	progress := func(snap []TaskProgress) {
		mu.Lock()
		snapshots = append(snapshots, snap)
		mu.Unlock()
	}

	fn := func(ctx context.Context, u string) (int, error) { return 3, nil }
	p.Run(context.Background(), []string{"https://one.example.gov/"}, fn, progress)

	mu.Lock()
	defer mu.Unlock()
	// initial pending snapshot, running, completed
	require.GreaterOrEqual(t, len(snapshots), 3)
	last := snapshots[len(snapshots)-1]
	require.Len(t, last, 1)
	assert.Equal(t, TaskCompleted, last[0].Status)
	assert.Equal(t, 3, last[0].DocumentsFound)
}

func TestResetDiscardsBatchState(t *testing.T) {
	p := New(Config{MaxConcurrency: 1, DomainRatePerSec: 1000}, nil)
	fn := func(ctx context.Context, u string) (int, error) { return 1, nil }
	p.Run(context.Background(), []string{"https://x.example.gov/"}, fn, nil)

	require.Len(t, p.Progress(), 1)
	p.Reset()
	assert.Empty(t, p.Progress())
}

func TestBatchCancellationIsNotReportedAsTimeout(t *testing.T) {
	p := New(Config{MaxConcurrency: 1, TaskTimeout: 5 * time.Second, DomainRatePerSec: 1000}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	// The task ignores ctx and outlives the cancellation, so the pool's
	// select resolves via the cancelled context, not the task result.
	fn := func(ctx context.Context, u string) (int, error) {
		time.Sleep(2 * time.Second)
		return 1, nil
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	result := p.Run(ctx, []string{"https://x.example.gov/"}, fn, nil)

	require.Len(t, result.Tasks, 1)
	assert.Equal(t, TaskFailed, result.Tasks[0].Status)
	assert.Contains(t, result.Tasks[0].Error, "cancelled")
	assert.NotContains(t, result.Tasks[0].Error, "timed out")
}

func TestCancelledContextFailsRemainingTasks(t *testing.T) {
	p := New(Config{MaxConcurrency: 1, DomainRatePerSec: 1000}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	fn := func(ctx context.Context, u string) (int, error) {
		cancel()
		return 1, nil
	}

	urls := []string{"https://a.example.gov/", "https://b.example.gov/", "https://c.example.gov/"}
	result := p.Run(ctx, urls, fn, nil)

	assert.Len(t, result.Tasks, 3)
	assert.Equal(t, 3, result.SuccessfulTasks+result.FailedTasks)
	assert.GreaterOrEqual(t, result.FailedTasks, 1)
}
