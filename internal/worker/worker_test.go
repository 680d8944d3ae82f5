package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:    "valid default config",
			config:  DefaultConfig(),
			wantErr: false,
		},
		{
			name: "job timeout too short",
			config: Config{
				JobTimeout:      500 * time.Millisecond,
				ShutdownTimeout: 30 * time.Second,
			},
			wantErr: true,
		},
		{
			name: "shutdown timeout too short",
			config: Config{
				JobTimeout:      5 * time.Minute,
				ShutdownTimeout: 0,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Config.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "permanent error",
			err:  NewPermanentError(context.Canceled),
			want: true,
		},
		{
			name: "regular error",
			err:  context.Canceled,
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanent(tt.err); got != tt.want {
				t.Errorf("IsPermanent() = %v, want %v", got, tt.want)
			}
		})
	}
}

// =============================================================================
// Runner
// =============================================================================

type countingJob struct {
	jobType string
	err     error
	runs    atomic.Int64
	ran     chan struct{}
}

func newCountingJob(jobType string, err error) *countingJob {
	return &countingJob{jobType: jobType, err: err, ran: make(chan struct{}, 16)}
}

func (j *countingJob) Type() string { return j.jobType }

func (j *countingJob) Handle(ctx context.Context) error {
	j.runs.Add(1)
	j.ran <- struct{}{}
	return j.err
}

func (j *countingJob) waitRun(t *testing.T) {
	t.Helper()
	select {
	case <-j.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for job run")
	}
}

// fakeLease grants or denies every request and counts releases.
type fakeLease struct {
	mu       sync.Mutex
	grant    bool
	releases int
}

func (l *fakeLease) Acquire(context.Context, string, time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.grant, nil
}

func (l *fakeLease) Release(context.Context, string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases++
	return nil
}

func (l *fakeLease) releaseCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.releases
}

func newTestWorker(t *testing.T, lease Lease) *Worker {
	t.Helper()
	w, err := New(lease, Config{
		JobTimeout:      time.Minute,
		ShutdownTimeout: 2 * time.Second,
		RunOnStart:      true,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return w
}

func TestWorker_RunsOnStartAndOnTrigger(t *testing.T) {
	w := newTestWorker(t, LocalLease{})
	job := newCountingJob("sweep", nil)
	if err := w.Register(job, time.Hour); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	w.Start(context.Background())
	defer w.Stop()

	job.waitRun(t)

	if err := w.Trigger("sweep"); err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	job.waitRun(t)

	if got := job.runs.Load(); got != 2 {
		t.Errorf("expected 2 runs, got %d", got)
	}
}

func TestWorker_TriggerUnknownJob(t *testing.T) {
	w := newTestWorker(t, LocalLease{})
	if err := w.Trigger("missing"); !errors.Is(err, ErrUnknownJobType) {
		t.Errorf("expected ErrUnknownJobType, got %v", err)
	}
}

func TestWorker_RegisterRejectsShortInterval(t *testing.T) {
	w := newTestWorker(t, LocalLease{})
	if err := w.Register(newCountingJob("fast", nil), 10*time.Millisecond); err == nil {
		t.Error("expected error for sub-second interval")
	}
}

func TestWorker_SkipsWhenLeaseHeld(t *testing.T) {
	lease := &fakeLease{grant: false}
	w := newTestWorker(t, lease)
	job := newCountingJob("sweep", nil)
	if err := w.Register(job, time.Hour); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	w.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	w.Stop()

	if got := job.runs.Load(); got != 0 {
		t.Errorf("expected no runs without the lease, got %d", got)
	}
}

func TestWorker_ReleasesLeaseOnFailure(t *testing.T) {
	lease := &fakeLease{grant: true}
	w := newTestWorker(t, lease)
	job := newCountingJob("sweep", errors.New("store unavailable"))
	if err := w.Register(job, time.Hour); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	w.Start(context.Background())
	job.waitRun(t)
	w.Stop()

	if lease.releaseCount() != 1 {
		t.Errorf("expected lease released once, got %d", lease.releaseCount())
	}
}

func TestWorker_PermanentErrorStopsJob(t *testing.T) {
	w := newTestWorker(t, LocalLease{})
	job := newCountingJob("sweep", NewPermanentError(errors.New("misconfigured")))
	if err := w.Register(job, time.Hour); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	w.Start(context.Background())
	job.waitRun(t)

	// The loop has exited; a trigger is accepted but never runs.
	time.Sleep(50 * time.Millisecond)
	_ = w.Trigger("sweep")
	time.Sleep(100 * time.Millisecond)
	w.Stop()

	if got := job.runs.Load(); got != 1 {
		t.Errorf("expected exactly 1 run, got %d", got)
	}
}

func TestWorker_StopIsIdempotent(t *testing.T) {
	w := newTestWorker(t, LocalLease{})
	w.Start(context.Background())
	w.Stop()
	w.Stop()
}

// expiringLease behaves like Redis SET NX PX: a key is held until its TTL
// runs out or it is released.
type expiringLease struct {
	mu      sync.Mutex
	expires map[string]time.Time
}

func newExpiringLease() *expiringLease {
	return &expiringLease{expires: make(map[string]time.Time)}
}

func (l *expiringLease) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if until, held := l.expires[key]; held && now.Before(until) {
		return false, nil
	}
	l.expires[key] = now.Add(ttl)
	return true, nil
}

func (l *expiringLease) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.expires, key)
	return nil
}

func TestLeaseTTL_ExpiresBeforeNextTick(t *testing.T) {
	for _, interval := range []time.Duration{time.Second, time.Minute, time.Hour} {
		if ttl := leaseTTL(interval); ttl <= 0 || ttl >= interval {
			t.Errorf("leaseTTL(%v) = %v, want within (0, %v)", interval, ttl, interval)
		}
	}
}

func TestWorker_ExpiringLeaseRunsEveryTick(t *testing.T) {
	if testing.Short() {
		t.Skip("runs on a real one second ticker")
	}

	w := newTestWorker(t, newExpiringLease())
	job := newCountingJob("sweep", nil)
	if err := w.Register(job, time.Second); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	w.Start(context.Background())
	time.Sleep(3500 * time.Millisecond)
	w.Stop()

	// Run on start plus ticks at 1s, 2s and 3s.
	if got := job.runs.Load(); got < 4 {
		t.Errorf("expected at least 4 runs with a single replica, got %d", got)
	}
}

type panickingJob struct {
	calls atomic.Int64
	ran   chan struct{}
}

func (j *panickingJob) Type() string { return "sweep" }

func (j *panickingJob) Handle(ctx context.Context) error {
	j.calls.Add(1)
	j.ran <- struct{}{}
	panic("nil account")
}

func TestWorker_RecoversFromPanic(t *testing.T) {
	lease := &fakeLease{grant: true}
	w := newTestWorker(t, lease)
	job := &panickingJob{ran: make(chan struct{}, 4)}
	if err := w.Register(job, time.Hour); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	w.Start(context.Background())
	defer w.Stop()

	<-job.ran
	if err := w.Trigger("sweep"); err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}

	select {
	case <-job.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("job loop did not survive the panic")
	}

	if got := job.calls.Load(); got != 2 {
		t.Errorf("expected 2 runs, got %d", got)
	}
}
