package worker_test

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"cirunner/internal/models"
	"cirunner/internal/worker"
)

type MockJobStore struct {
	mock.Mock
}

func (m *MockJobStore) ClaimNext(ctx context.Context, workerID string) (*models.Job, error) {
	args := m.Called(ctx, workerID)
	job, _ := args.Get(0).(*models.Job)
	return job, args.Error(1)
}

func (m *MockJobStore) MarkCompleted(ctx context.Context, jobID uuid.UUID, workerID string, exitCode int) (*models.Job, error) {
	args := m.Called(ctx, jobID, workerID, exitCode)
	job, _ := args.Get(0).(*models.Job)
	return job, args.Error(1)
}

func (m *MockJobStore) MarkFailed(ctx context.Context, jobID uuid.UUID, workerID string, exitCode int) (*models.Job, error) {
	args := m.Called(ctx, jobID, workerID, exitCode)
	job, _ := args.Get(0).(*models.Job)
	return job, args.Error(1)
}

func (m *MockJobStore) UpdateHeartbeat(ctx context.Context, jobID uuid.UUID, workerID string) error {
	args := m.Called(ctx, jobID, workerID)
	return args.Error(0)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, eventType string, payload any) error {
	args := m.Called(ctx, eventType, payload)
	return args.Error(0)
}

type MockDrainer struct {
	mock.Mock
}

func (m *MockDrainer) Drain(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

// memoryLog records appended lines in order
type memoryLog struct {
	mu    sync.Mutex
	lines []logLine
}

type logLine struct {
	Line  string
	Level models.LogLevel
}

func (l *memoryLog) Append(_ context.Context, _ uuid.UUID, line string, level models.LogLevel) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, logLine{Line: line, Level: level})
	return nil
}

func (l *memoryLog) Lines() []logLine {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]logLine(nil), l.lines...)
}

func (l *memoryLog) Text(level models.LogLevel) []string {
	var out []string
	for _, ln := range l.Lines() {
		if ln.Level == level {
			out = append(out, ln.Line)
		}
	}
	return out
}

// fakeLocker hands out one lease per environment
type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	released []string
	acquired []string
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: map[string]bool{}}
}

type fakeLease struct {
	locker *fakeLocker
	env    string
	held   bool
}

func (l *fakeLease) Held() bool { return l.held }

func (l *fakeLease) Release(context.Context) error {
	if !l.held {
		return nil
	}
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	delete(l.locker.held, l.env)
	l.locker.released = append(l.locker.released, l.env)
	return nil
}

func (f *fakeLocker) TryAcquire(_ context.Context, environment, _ string) (worker.Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[environment] {
		return &fakeLease{locker: f, env: environment}, nil
	}
	f.held[environment] = true
	f.acquired = append(f.acquired, environment)
	return &fakeLease{locker: f, env: environment, held: true}, nil
}

func (f *fakeLocker) Released() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

// runnerFunc adapts a function to worker.Runner
type runnerFunc func(ctx context.Context, job *models.Job) int

func (f runnerFunc) Execute(ctx context.Context, job *models.Job) int {
	return f(ctx, job)
}
