// Package pool runs batches of independent retrieval tasks with bounded
// parallelism, per-domain rate limiting and memory backpressure. Individual
// task failures never fail the batch; every submitted task yields a result.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// TaskStatus is the lifecycle of one pooled task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// TaskProgress is the observable state of one task. Snapshots of the whole
// batch are passed to the progress callback after every change.
type TaskProgress struct {
	WebsiteURL     string     `json:"website_url"`
	Status         TaskStatus `json:"status"`
	DocumentsFound int        `json:"documents_found"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// TaskFunc retrieves documents for one URL. It must honor ctx cancellation;
// the pool cancels it on timeout.
type TaskFunc func(ctx context.Context, websiteURL string) (documentsFound int, err error)

// ProgressFunc receives the full batch snapshot after every state change.
type ProgressFunc func(snapshot []TaskProgress)

// BatchResult aggregates one batch. SuccessfulTasks+FailedTasks always
// equals the number of submitted tasks.
type BatchResult struct {
	SuccessfulTasks int            `json:"successful_tasks"`
	FailedTasks     int            `json:"failed_tasks"`
	TotalDocuments  int            `json:"total_documents"`
	Tasks           []TaskProgress `json:"tasks"`
}

// Config tunes the pool. Zero values take the defaults.
type Config struct {
	MaxConcurrency     int64
	TaskTimeout        time.Duration
	DomainRatePerSec   float64
	MemoryCeilingBytes uint64
	MemoryPause        time.Duration
}

const (
	defaultMaxConcurrency   = 5
	defaultTaskTimeout      = 60 * time.Second
	defaultDomainRatePerSec = 2
	defaultMemoryPause      = time.Second
)

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = defaultMaxConcurrency
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = defaultTaskTimeout
	}
	if c.DomainRatePerSec <= 0 {
		c.DomainRatePerSec = defaultDomainRatePerSec
	}
	if c.MemoryPause <= 0 {
		c.MemoryPause = defaultMemoryPause
	}
	return c
}

// Pool executes retrieval batches. Safe for use by one batch at a time;
// Reset clears batch state between runs.
type Pool struct {
	cfg Config
	sem *semaphore.Weighted

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	tasks    []TaskProgress

	// heapBytes and sleep are swappable in tests.
	heapBytes func() uint64
	sleep     func(time.Duration)

	Logger *slog.Logger
}

// New creates a pool with the given config.
func New(cfg Config, logger *slog.Logger) *Pool {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:       cfg,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrency),
		limiters:  make(map[string]*rate.Limiter),
		heapBytes: heapInUse,
		sleep:     time.Sleep,
		Logger:    logger.With("component", "pool"),
	}
}

// Run executes one task per URL and blocks until the batch finishes. It
// never returns an error for individual task failures; ctx cancellation
// marks the remaining tasks failed.
func (p *Pool) Run(ctx context.Context, urls []string, fn TaskFunc, progress ProgressFunc) BatchResult {
	p.mu.Lock()
	p.tasks = make([]TaskProgress, len(urls))
	for i, u := range urls {
		p.tasks[i] = TaskProgress{WebsiteURL: u, Status: TaskPending}
	}
	p.mu.Unlock()
	p.notifyProgress(progress)

	var wg sync.WaitGroup
	for i := range urls {
		wg.Add(1)
		go func(idx int, websiteURL string) {
			defer wg.Done()
			p.runTask(ctx, idx, websiteURL, fn, progress)
		}(i, urls[i])
	}
	wg.Wait()

	p.mu.Lock()
	result := BatchResult{Tasks: append([]TaskProgress(nil), p.tasks...)}
	p.mu.Unlock()
	for _, t := range result.Tasks {
		if t.Status == TaskCompleted {
			result.SuccessfulTasks++
			result.TotalDocuments += t.DocumentsFound
		} else {
			result.FailedTasks++
		}
	}
	p.Logger.Info("batch finished", "tasks", len(urls), "successful", result.SuccessfulTasks, "failed", result.FailedTasks, "documents", result.TotalDocuments)
	return result
}

func (p *Pool) runTask(ctx context.Context, idx int, websiteURL string, fn TaskFunc, progress ProgressFunc) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.finishTask(idx, 0, fmt.Errorf("task cancelled before start: %w", err), progress)
		return
	}
	defer p.sem.Release(1)

	// Soft backpressure: give the collector a moment instead of rejecting.
	if p.cfg.MemoryCeilingBytes > 0 && p.heapBytes() > p.cfg.MemoryCeilingBytes {
		p.Logger.Warn("memory ceiling exceeded, pausing before task", "url", websiteURL, "ceiling_bytes", p.cfg.MemoryCeilingBytes)
		p.sleep(p.cfg.MemoryPause)
	}

	if err := p.limiterFor(hostname(websiteURL)).Wait(ctx); err != nil {
		p.finishTask(idx, 0, fmt.Errorf("task cancelled during rate-limit wait: %w", err), progress)
		return
	}

	p.markRunning(idx, progress)

	taskCtx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	defer cancel()

	type taskResult struct {
		docs int
		err  error
	}
	done := make(chan taskResult, 1)
	go func() {
		docs, err := fn(taskCtx, websiteURL)
		done <- taskResult{docs: docs, err: err}
	}()

	select {
	case r := <-done:
		p.finishTask(idx, r.docs, r.err, progress)
	case <-taskCtx.Done():
		if ctx.Err() != nil {
			// The batch was cancelled; that is not a per-task timeout.
			p.finishTask(idx, 0, fmt.Errorf("task cancelled: %w", context.Cause(ctx)), progress)
		} else {
			p.finishTask(idx, 0, fmt.Errorf("task timed out after %s: %w", p.cfg.TaskTimeout, taskCtx.Err()), progress)
		}
	}
}

func (p *Pool) markRunning(idx int, progress ProgressFunc) {
	now := time.Now().UTC()
	p.mu.Lock()
	p.tasks[idx].Status = TaskRunning
	p.tasks[idx].StartedAt = &now
	p.mu.Unlock()
	p.notifyProgress(progress)
}

func (p *Pool) finishTask(idx, docs int, err error, progress ProgressFunc) {
	now := time.Now().UTC()
	p.mu.Lock()
	t := &p.tasks[idx]
	t.CompletedAt = &now
	if err != nil {
		t.Status = TaskFailed
		t.Error = err.Error()
	} else {
		t.Status = TaskCompleted
		t.DocumentsFound = docs
	}
	p.mu.Unlock()
	p.notifyProgress(progress)
}

// Progress returns a snapshot of the current batch for live polling.
func (p *Pool) Progress() []TaskProgress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]TaskProgress(nil), p.tasks...)
}

// Reset discards batch state. Task progress never outlives the batch.
func (p *Pool) Reset() {
	p.mu.Lock()
	p.tasks = nil
	p.limiters = make(map[string]*rate.Limiter)
	p.mu.Unlock()
}

func (p *Pool) notifyProgress(progress ProgressFunc) {
	if progress == nil {
		return
	}
	progress(p.Progress())
}

// limiterFor returns the per-hostname limiter, creating it on first use.
// Burst equals the per-second cap so a quiet domain can absorb one window.
func (p *Pool) limiterFor(host string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.limiters[host]; ok {
		return l
	}
	burst := int(p.cfg.DomainRatePerSec)
	if burst < 1 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(p.cfg.DomainRatePerSec), burst)
	p.limiters[host] = l
	return l
}

func hostname(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.ToLower(raw)
	}
	return strings.ToLower(u.Hostname())
}

func heapInUse() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapInuse
}
