package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fetchmux/internal/config"
	"github.com/fetchmux/internal/health"
	"github.com/fetchmux/pkg/protocol"
	"github.com/fetchmux/pkg/transfer"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrQueueFull is returned by Submit when the job queue has no room.
var ErrQueueFull = errors.New("job queue is full")

// maxResults bounds the results kept for Results.
const maxResults = 1024

// Result is the outcome of one job.
type Result struct {
	Job      string        `json:"job"`
	URL      string        `json:"url"`
	Output   string        `json:"output"`
	Status   int           `json:"status"`
	Bytes    int64         `json:"bytes"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// OK reports whether the job succeeded.
func (r Result) OK() bool { return r.Error == "" }

// Progress describes a running job.
type Progress struct {
	Job      string `json:"job"`
	URL      string `json:"url"`
	Offset   int64  `json:"offset"`
	Expected int64  `json:"expected"`
	Received int64  `json:"received"`
	Paused   bool   `json:"paused"`
}

// Stats are cumulative runner counters.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Dropped   int64 `json:"dropped"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Bytes     int64 `json:"bytes"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
}

// task is a started job. Its fields are only touched by the pump goroutine.
type task struct {
	job     config.Job
	h       transfer.Handle
	path    string
	file    *os.File
	offset  int64
	written int64
	start   time.Time
	status  int
	done    bool
	err     error
}

// Runner feeds jobs into a transfer.Manager and writes the bodies to disk.
// A single goroutine drives the manager.
type Runner struct {
	cfg     config.Runner
	iface   string
	mgr     *transfer.Manager
	metrics *health.Metrics
	summary *health.Summary
	limiter *rate.Limiter
	jobs    chan config.Job
	pending []config.Job
	readBuf []byte

	mu       sync.RWMutex
	tasks    map[transfer.Handle]*task
	results  []Result
	onResult func(Result)

	submitted atomic.Int64
	dropped   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	bytes     atomic.Int64
	queued    atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *zap.Logger
}

// NewRunner creates a runner over mgr. iface is passed to every Create call.
// metrics may be nil. The caller keeps ownership of mgr.
func NewRunner(mgr *transfer.Manager, cfg config.Runner, iface string, metrics *health.Metrics, log *zap.Logger) *Runner {
	limit := rate.Inf
	burst := 1
	if cfg.StartRate > 0 {
		limit = rate.Limit(cfg.StartRate)
		burst = max(1, int(cfg.StartRate))
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.PumpInterval <= 0 {
		cfg.PumpInterval = 50 * time.Millisecond
	}

	return &Runner{
		cfg:     cfg,
		iface:   iface,
		mgr:     mgr,
		metrics: metrics,
		summary: health.NewSummary(),
		limiter: rate.NewLimiter(limit, burst),
		jobs:    make(chan config.Job, cfg.QueueSize),
		readBuf: make([]byte, protocol.BufferSize),
		tasks:   make(map[transfer.Handle]*task),
		log:     log.With(zap.String("component", "runner")),
	}
}

// OnResult registers fn to be called from the pump goroutine after every
// finished job. It must be set before Start.
func (r *Runner) OnResult(fn func(Result)) {
	r.mu.Lock()
	r.onResult = fn
	r.mu.Unlock()
}

// Start launches the pump goroutine.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.loop(ctx)

	r.log.Info("runner started",
		zap.Int("queue_size", r.cfg.QueueSize),
		zap.Float64("start_rate", r.cfg.StartRate),
		zap.String("output_dir", r.cfg.OutputDir),
	)
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()
	defer r.abortAll()

	for ctx.Err() == nil {
		r.startJobs()
		running := r.mgr.Perform()
		r.collect()

		if r.metrics != nil {
			r.metrics.SetActiveTransfers(running)
		}

		if err := r.mgr.Wait(ctx, r.cfg.PumpInterval); err != nil {
			return
		}
	}
}

// Submit validates job and queues it without blocking.
func (r *Runner) Submit(job config.Job) error {
	if err := config.ValidateJob(&job); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	select {
	case r.jobs <- job:
		r.submitted.Add(1)
		r.queued.Add(1)
		if r.metrics != nil {
			r.metrics.SetQueuedJobs(int(r.queued.Load()))
		}
		return nil
	default:
		r.dropped.Add(1)
		return ErrQueueFull
	}
}

// startJobs moves queued jobs into the manager at the configured rate.
func (r *Runner) startJobs() {
drain:
	for {
		select {
		case job := <-r.jobs:
			r.pending = append(r.pending, job)
		default:
			break drain
		}
	}

	for len(r.pending) > 0 && r.limiter.Allow() {
		job := r.pending[0]
		r.pending = r.pending[1:]
		r.begin(job)
		r.queued.Add(-1)
	}

	if r.metrics != nil {
		r.metrics.SetQueuedJobs(int(r.queued.Load()))
	}
}

func (r *Runner) begin(job config.Job) {
	t := &task{
		job:   job,
		path:  filepath.Join(r.cfg.OutputDir, job.Output),
		start: time.Now(),
	}

	if err := r.open(t); err != nil {
		r.report(t, err)
		return
	}

	h, err := r.mgr.Create(r.iface, "%s", job.URL)
	if err != nil {
		t.file.Close()
		r.report(t, err)
		return
	}
	t.h = h

	if err := r.configure(t); err != nil {
		r.mgr.Delete(h)
		t.file.Close()
		r.report(t, err)
		return
	}

	// Start deletes the request itself when it fails.
	if err := r.mgr.Start(h); err != nil {
		t.file.Close()
		r.report(t, err)
		return
	}

	r.mu.Lock()
	r.tasks[h] = t
	r.mu.Unlock()

	r.log.Debug("job started",
		zap.String("job", job.Name),
		zap.String("url", job.URL),
		zap.Int64("resume_from", t.offset),
	)
}

// open creates the output file, appending to it when resuming.
func (r *Runner) open(t *task) error {
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if t.job.Resume {
		if fi, err := os.Stat(t.path); err == nil {
			t.offset = fi.Size()
		}
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}

	f, err := os.OpenFile(t.path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open output file: %w", err)
	}
	t.file = f
	return nil
}

func (r *Runner) configure(t *task) error {
	h := t.h

	for k, v := range t.job.Headers {
		if err := r.mgr.Header(h, k, "%s", v); err != nil {
			return err
		}
	}

	fields := make([]string, 0, len(t.job.Form))
	for k := range t.job.Form {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	for _, k := range fields {
		if err := r.mgr.FormAdd(h, k, "%s", t.job.Form[k]); err != nil {
			return err
		}
	}

	if t.job.Body != "" {
		if err := r.mgr.SetPostFields(h, []byte(t.job.Body)); err != nil {
			return err
		}
	}
	if t.job.Timeout > 0 {
		if err := r.mgr.SetTimeout(h, t.job.Timeout); err != nil {
			return err
		}
	}
	if t.offset > 0 {
		if err := r.mgr.SetResumeFrom(h, t.offset); err != nil {
			return err
		}
	}

	cb := transfer.Callbacks{
		OnDone: func(_ transfer.Handle, status int) {
			t.done = true
			t.status = status
		},
	}
	if t.job.Mode == config.ModeStream {
		cb.OnRead = func(_ transfer.Handle, p []byte, _ float64) int {
			n, err := t.file.Write(p)
			t.written += int64(n)
			r.bytes.Add(int64(n))
			if err != nil {
				t.err = err
				return -1
			}
			return n
		}
	}
	return r.mgr.StreamCallbacks(h, cb)
}

// collect drains buffered bodies to disk and finishes completed jobs.
func (r *Runner) collect() {
	r.mu.RLock()
	tasks := make([]*task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.RUnlock()

	for _, t := range tasks {
		if t.job.Mode != config.ModeStream && t.err == nil {
			r.drain(t)
		}

		switch {
		case t.err != nil:
		case t.done && (t.status < 0 || r.mgr.EOF(t.h)):
		default:
			continue
		}
		r.finish(t)
	}
}

func (r *Runner) drain(t *task) {
	for {
		n := r.mgr.Read(t.h, r.readBuf)
		if n == 0 {
			return
		}
		if _, err := t.file.Write(r.readBuf[:n]); err != nil {
			t.err = fmt.Errorf("failed to write output: %w", err)
			return
		}
		t.written += int64(n)
		r.bytes.Add(int64(n))
	}
}

func (r *Runner) finish(t *task) {
	r.mgr.Delete(t.h)

	err := t.err
	if cerr := t.file.Close(); err == nil && cerr != nil {
		err = cerr
	}
	switch {
	case err != nil:
	case t.status < 0:
		err = errors.New(transfer.ErrorString(t.status))
	case t.status >= 400:
		err = fmt.Errorf("server returned status %d", t.status)
	}

	if err != nil && !t.job.Resume {
		os.Remove(t.path)
	}
	r.report(t, err)

	r.mu.Lock()
	delete(r.tasks, t.h)
	r.mu.Unlock()
}

func (r *Runner) report(t *task, err error) {
	res := Result{
		Job:      t.job.Name,
		URL:      t.job.URL,
		Output:   t.path,
		Status:   t.status,
		Bytes:    t.written,
		Duration: time.Since(t.start),
	}
	if err != nil {
		res.Error = err.Error()
		r.failed.Add(1)
		r.log.Warn("job failed",
			zap.String("job", res.Job),
			zap.String("url", res.URL),
			zap.Int("status", res.Status),
			zap.Error(err),
		)
	} else {
		r.completed.Add(1)
		r.log.Info("job completed",
			zap.String("job", res.Job),
			zap.String("output", res.Output),
			zap.Int64("bytes", res.Bytes),
			zap.Duration("duration", res.Duration),
		)
	}

	if r.metrics != nil {
		r.metrics.RecordJob(res.OK())
	}
	r.summary.Record(res.Duration, res.Bytes, res.OK())

	r.mu.Lock()
	r.results = append(r.results, res)
	if len(r.results) > maxResults {
		r.results = r.results[len(r.results)-maxResults:]
	}
	fn := r.onResult
	r.mu.Unlock()

	if fn != nil {
		fn(res)
	}
}

// abortAll cancels every running and pending job.
func (r *Runner) abortAll() {
	r.mu.RLock()
	tasks := make([]*task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.RUnlock()

	for _, t := range tasks {
		if t.err == nil {
			t.err = context.Canceled
		}
		r.finish(t)
	}

	dropped := len(r.pending) + len(r.jobs)
	r.pending = nil
	for len(r.jobs) > 0 {
		<-r.jobs
	}
	r.queued.Store(0)
	if dropped > 0 {
		r.dropped.Add(int64(dropped))
		r.log.Warn("dropped queued jobs", zap.Int("count", dropped))
	}
}

// Results returns the most recent finished jobs, oldest first.
func (r *Runner) Results() []Result {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Result(nil), r.results...)
}

// Progress returns the state of every running job sorted by name.
func (r *Runner) Progress() []Progress {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Progress, 0, len(r.tasks))
	for h, t := range r.tasks {
		expected, received := r.mgr.GetSize(h)
		out = append(out, Progress{
			Job:      t.job.Name,
			URL:      t.job.URL,
			Offset:   t.offset,
			Expected: expected,
			Received: received,
			Paused:   r.mgr.Paused(h),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job < out[j].Job })
	return out
}

// Stats returns the runner counters.
func (r *Runner) Stats() Stats {
	r.mu.RLock()
	active := len(r.tasks)
	r.mu.RUnlock()

	return Stats{
		Submitted: r.submitted.Load(),
		Dropped:   r.dropped.Load(),
		Completed: r.completed.Load(),
		Failed:    r.failed.Load(),
		Bytes:     r.bytes.Load(),
		Active:    active,
		Queued:    int(r.queued.Load()),
	}
}

// Summary returns duration and size percentiles of finished jobs.
func (r *Runner) Summary() health.Snapshot {
	return r.summary.Snapshot()
}

// Idle reports whether no job is queued or running.
func (r *Runner) Idle() bool {
	s := r.Stats()
	return s.Active == 0 && s.Queued == 0
}

// Drain waits until the runner is idle or timeout elapses. It reports
// whether the runner went idle.
func (r *Runner) Drain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	for !r.Idle() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	if s := r.Stats(); s.Active > 0 || s.Queued > 0 {
		r.log.Warn("drain timeout",
			zap.Int("active", s.Active),
			zap.Int("queued", s.Queued),
		)
		return false
	}
	return true
}

// Stop aborts outstanding jobs and waits for the pump goroutine to exit.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info("runner stopped")
}
