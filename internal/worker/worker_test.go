package worker

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/framemart/framemart/internal/config"
	"github.com/framemart/framemart/internal/credit"
	"github.com/framemart/framemart/internal/models"
	"github.com/framemart/framemart/internal/pipeline/core"
	"github.com/framemart/framemart/internal/pipeline/processors"
	"github.com/framemart/framemart/internal/repository"
)

// stubProcessor is a registry-compatible processor whose behavior is
// supplied per test.
type stubProcessor struct {
	id     string
	status models.JobStatus
	run    func(ctx context.Context, pctx *core.Context, data *core.PipelineData, opts core.Options) (*core.Outcome, error)
}

func (p *stubProcessor) ID() string                { return p.id }
func (p *stubProcessor) Name() string              { return p.id }
func (p *stubProcessor) Status() models.JobStatus  { return p.status }
func (p *stubProcessor) IO() core.IO               { return core.IO{Requires: []core.DataPath{core.PathVideo}} }
func (p *stubProcessor) Execute(ctx context.Context, pctx *core.Context, data *core.PipelineData, opts core.Options) (*core.Outcome, error) {
	return p.run(ctx, pctx, data, opts)
}

type harness struct {
	jobs    repository.JobRepository
	credits repository.CreditRepository
	ledger  *credit.Ledger
	exec    *Executor
}

func newHarness(t *testing.T, proc *stubProcessor) *harness {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "worker.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Job{}, &models.JobHistory{}, &models.CreditReceipt{}))

	jobs := repository.NewJobRepository(db)
	credits := repository.NewCreditRepository(db)
	ledger := credit.NewLedger(credits, nil)

	registry := core.NewRegistry()
	require.NoError(t, registry.Register(proc))
	pipe := core.NewExecutor(registry, slog.New(slog.DiscardHandler))

	exec := NewExecutor(ExecutorConfig{
		WorkRoot:         t.TempDir(),
		ProgressThrottle: time.Millisecond,
	}, pipe, nil, nil, jobs, ledger, nil, slog.New(slog.DiscardHandler))
	exec.lookup = func(string) (*core.StackTemplate, error) {
		return &core.StackTemplate{
			ID:    "stub",
			Steps: []core.StackStep{{Processor: proc.id}},
		}, nil
	}

	return &harness{jobs: jobs, credits: credits, ledger: ledger, exec: exec}
}

// enqueue creates a paid pending job and acquires it the way a worker
// would.
func (h *harness) enqueue(t *testing.T, mutate func(*models.Job)) *models.Job {
	t.Helper()
	ctx := context.Background()

	job := models.NewJob("user-1", "https://example.com/video.mp4", models.JobConfig{})
	if mutate != nil {
		mutate(job)
	}
	require.NoError(t, h.jobs.Create(ctx, job))

	receipt, err := h.ledger.Reserve(ctx, job.UserID, job.ID, 1)
	require.NoError(t, err)
	job.CreditReceiptID = receipt.ID
	require.NoError(t, h.jobs.Update(ctx, job))

	acquired, err := h.jobs.AcquireJob(ctx, "test-worker")
	require.NoError(t, err)
	require.NotNil(t, acquired)
	return acquired
}

func completionOutcome(result models.JobResult) *core.Outcome {
	md := core.Metadata{Extensions: map[string]any{processors.ExtJobResult: result}}
	return &core.Outcome{Data: &core.Patch{Metadata: &md}, Skip: true}
}

func TestExecuteSuccess(t *testing.T) {
	proc := &stubProcessor{id: "stub", status: models.JobStatusScoring}
	proc.run = func(_ context.Context, _ *core.Context, _ *core.PipelineData, _ core.Options) (*core.Outcome, error) {
		return completionOutcome(models.JobResult{
			FramesAnalyzed: 7,
			FinalFrames:    []string{"frame_00001"},
		}), nil
	}

	h := newHarness(t, proc)
	ctx := context.Background()
	job := h.enqueue(t, nil)

	require.NoError(t, h.exec.Execute(ctx, job))

	stored, err := h.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, stored.Status)
	require.NotNil(t, stored.Result)
	assert.Equal(t, 7, stored.Result.FramesAnalyzed)
	assert.Equal(t, []string{"frame_00001"}, stored.Result.FinalFrames)
	assert.Empty(t, stored.LockedBy)
	assert.Equal(t, float64(100), stored.Progress.Percentage)

	receipt, err := h.credits.GetByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReceiptStateCommitted, receipt.State)

	history, err := h.jobs.GetHistory(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.JobStatusCompleted, history[0].Status)
	assert.Equal(t, 1, history[0].AttemptNumber)
}

func TestExecutePermanentFailureRefunds(t *testing.T) {
	proc := &stubProcessor{id: "stub", status: models.JobStatusScoring}
	proc.run = func(_ context.Context, _ *core.Context, _ *core.PipelineData, _ core.Options) (*core.Outcome, error) {
		return nil, core.NewError(core.KindProviderPermanent, "stub", "provider rejected the video", nil)
	}

	h := newHarness(t, proc)
	ctx := context.Background()
	job := h.enqueue(t, nil)

	require.NoError(t, h.exec.Execute(ctx, job))

	stored, err := h.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Equal(t, "provider rejected the video", stored.Error)
	assert.Nil(t, stored.NextRunAt, "permanent failures never retry")

	receipt, err := h.credits.GetByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReceiptStateRefunded, receipt.State)

	history, err := h.jobs.GetHistory(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestExecuteTransientSchedulesRetry(t *testing.T) {
	proc := &stubProcessor{id: "stub", status: models.JobStatusScoring}
	proc.run = func(_ context.Context, _ *core.Context, _ *core.PipelineData, _ core.Options) (*core.Outcome, error) {
		return nil, core.NewError(core.KindProviderTransient, "stub", "provider timed out", nil)
	}

	h := newHarness(t, proc)
	ctx := context.Background()
	job := h.enqueue(t, nil)

	require.NoError(t, h.exec.Execute(ctx, job))

	stored, err := h.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusScheduled, stored.Status)
	require.NotNil(t, stored.NextRunAt)
	assert.True(t, stored.NextRunAt.After(time.Now()))
	assert.Equal(t, 1, stored.AttemptCount)

	// The hold stays open across retries.
	receipt, err := h.credits.GetByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReceiptStateReserved, receipt.State)

	history, err := h.jobs.GetHistory(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, history, "a scheduled retry is not a finished attempt")
}

func TestExecuteTransientExhaustedRefunds(t *testing.T) {
	proc := &stubProcessor{id: "stub", status: models.JobStatusScoring}
	proc.run = func(_ context.Context, _ *core.Context, _ *core.PipelineData, _ core.Options) (*core.Outcome, error) {
		return nil, core.NewError(core.KindProviderTransient, "stub", "provider timed out", nil)
	}

	h := newHarness(t, proc)
	ctx := context.Background()
	job := h.enqueue(t, func(j *models.Job) { j.MaxAttempts = 1 })

	require.NoError(t, h.exec.Execute(ctx, job))

	stored, err := h.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)

	receipt, err := h.credits.GetByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReceiptStateRefunded, receipt.State)
}

func TestExecuteCancelledRefunds(t *testing.T) {
	proc := &stubProcessor{id: "stub", status: models.JobStatusScoring}
	proc.run = func(ctx context.Context, _ *core.Context, _ *core.PipelineData, _ core.Options) (*core.Outcome, error) {
		return nil, core.NewError(core.KindCancelled, "stub", "job cancelled", nil)
	}

	h := newHarness(t, proc)
	ctx := context.Background()
	job := h.enqueue(t, nil)

	require.NoError(t, h.exec.Execute(ctx, job))

	stored, err := h.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, stored.Status)

	receipt, err := h.credits.GetByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReceiptStateRefunded, receipt.State)
}

func TestExecuteShutdownReleasesJob(t *testing.T) {
	proc := &stubProcessor{id: "stub", status: models.JobStatusScoring}
	proc.run = func(ctx context.Context, _ *core.Context, _ *core.PipelineData, _ core.Options) (*core.Outcome, error) {
		return nil, core.NewError(core.KindCancelled, "stub", "job cancelled", context.Canceled)
	}

	h := newHarness(t, proc)
	ctx := context.Background()
	job := h.enqueue(t, nil)

	require.NoError(t, h.exec.Execute(ctx, job))

	// A cancelled worker context is not a verdict on the job: the row
	// goes back to the queue with its reservation intact.
	stored, err := h.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, stored.Status)
	assert.Empty(t, stored.LockedBy)

	receipt, err := h.credits.GetByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReceiptStateReserved, receipt.State)

	history, err := h.jobs.GetHistory(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, history, "a released job is not a finished attempt")
}

func TestExecuteTimeoutSchedulesRetry(t *testing.T) {
	proc := &stubProcessor{id: "stub", status: models.JobStatusScoring}
	proc.run = func(ctx context.Context, _ *core.Context, _ *core.PipelineData, _ core.Options) (*core.Outcome, error) {
		return nil, core.NewError(core.KindCancelled, "stub", "job cancelled", context.DeadlineExceeded)
	}

	h := newHarness(t, proc)
	ctx := context.Background()
	job := h.enqueue(t, nil)

	require.NoError(t, h.exec.Execute(ctx, job))

	// The per-job timeout retries like any transient fault.
	stored, err := h.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusScheduled, stored.Status)
	require.NotNil(t, stored.NextRunAt)

	receipt, err := h.credits.GetByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReceiptStateReserved, receipt.State)
}

func TestExecuteFinishedJobIsNoop(t *testing.T) {
	proc := &stubProcessor{id: "stub", status: models.JobStatusScoring}
	proc.run = func(_ context.Context, _ *core.Context, _ *core.PipelineData, _ core.Options) (*core.Outcome, error) {
		t.Fatal("pipeline must not run for a finished job")
		return nil, nil
	}

	h := newHarness(t, proc)
	ctx := context.Background()
	job := h.enqueue(t, nil)
	job.MarkCompleted(&models.JobResult{FramesAnalyzed: 1})
	require.NoError(t, h.jobs.Update(ctx, job))

	require.NoError(t, h.exec.Execute(ctx, job))

	history, err := h.jobs.GetHistory(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestExecutePersistsProgressStatus(t *testing.T) {
	proc := &stubProcessor{id: "stub", status: models.JobStatusClassifying}
	var midStatus models.JobStatus
	h := newHarness(t, proc)
	proc.run = func(_ context.Context, pctx *core.Context, _ *core.PipelineData, _ core.Options) (*core.Outcome, error) {
		stored, err := h.jobs.GetByID(context.Background(), pctx.JobID)
		require.NoError(t, err)
		midStatus = stored.Status
		return completionOutcome(models.JobResult{}), nil
	}

	job := h.enqueue(t, nil)
	require.NoError(t, h.exec.Execute(context.Background(), job))

	// The step's declared status was written before its processor ran.
	assert.Equal(t, models.JobStatusClassifying, midStatus)
}

func newAdmission(t *testing.T) (*Admission, *harness) {
	proc := &stubProcessor{id: "stub", status: models.JobStatusScoring}
	proc.run = func(_ context.Context, _ *core.Context, _ *core.PipelineData, _ core.Options) (*core.Outcome, error) {
		return nil, nil
	}
	h := newHarness(t, proc)
	return NewAdmission(AdmissionConfig{JobCost: 2}, h.jobs, h.ledger, slog.New(slog.DiscardHandler)), h
}

func TestSubmitCreatesPaidJob(t *testing.T) {
	adm, h := newAdmission(t)
	ctx := context.Background()

	job, err := adm.Submit(ctx, SubmitRequest{
		UserID:      "user-1",
		VideoURL:    "https://example.com/video.mp4",
		CallbackURL: "https://example.com/hook",
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, "https://example.com/hook", job.CallbackURL)
	assert.NotEqual(t, models.ULID{}, job.CreditReceiptID)

	receipt, err := h.credits.GetByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReceiptStateReserved, receipt.State)
	assert.Equal(t, int64(2), receipt.Amount)
}

func TestSubmitSuppressesDuplicates(t *testing.T) {
	adm, h := newAdmission(t)
	ctx := context.Background()

	req := SubmitRequest{UserID: "user-1", VideoURL: "https://example.com/video.mp4"}
	first, err := adm.Submit(ctx, req)
	require.NoError(t, err)
	second, err := adm.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, total, err := h.jobs.GetByUser(ctx, "user-1", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestSubmitValidation(t *testing.T) {
	adm, _ := newAdmission(t)
	ctx := context.Background()

	_, err := adm.Submit(ctx, SubmitRequest{VideoURL: "https://example.com/v.mp4"})
	assert.ErrorIs(t, err, models.ErrJobUserRequired)

	_, err = adm.Submit(ctx, SubmitRequest{UserID: "user-1"})
	assert.ErrorIs(t, err, models.ErrJobInputRequired)

	_, err = adm.Submit(ctx, SubmitRequest{
		UserID: "user-1", VideoURL: "https://example.com/v.mp4",
		Config: models.JobConfig{FPS: 99},
	})
	assert.ErrorIs(t, err, ErrInvalidFPS)

	_, err = adm.Submit(ctx, SubmitRequest{
		UserID: "user-1", VideoURL: "https://example.com/v.mp4",
		Config: models.JobConfig{BatchSize: 1000},
	})
	assert.ErrorIs(t, err, ErrInvalidBatchSize)

	_, err = adm.Submit(ctx, SubmitRequest{
		UserID: "user-1", VideoURL: "https://example.com/v.mp4",
		Config: models.JobConfig{Stack: "nope"},
	})
	assert.Error(t, err)

	_, err = adm.Submit(ctx, SubmitRequest{
		UserID: "user-1", VideoURL: "https://example.com/v.mp4",
		Config: models.JobConfig{CommercialVersions: []models.CommercialVersion{"sepia"}},
	})
	assert.ErrorContains(t, err, "unknown commercial version")
}

// failingCreditRepo rejects reservations while delegating everything
// else to the real repository.
type failingCreditRepo struct {
	repository.CreditRepository
}

func (f *failingCreditRepo) Create(_ context.Context, _ *models.CreditReceipt) error {
	return fmt.Errorf("insufficient balance")
}

func TestSubmitReservationFailureLeavesNoJob(t *testing.T) {
	proc := &stubProcessor{id: "stub", status: models.JobStatusScoring}
	proc.run = func(_ context.Context, _ *core.Context, _ *core.PipelineData, _ core.Options) (*core.Outcome, error) {
		return nil, nil
	}
	h := newHarness(t, proc)
	ledger := credit.NewLedger(&failingCreditRepo{CreditRepository: h.credits}, nil)
	adm := NewAdmission(AdmissionConfig{}, h.jobs, ledger, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	_, err := adm.Submit(ctx, SubmitRequest{
		UserID:   "user-1",
		VideoURL: "https://example.com/video.mp4",
	})
	require.ErrorContains(t, err, "reserving credits")

	_, total, err := h.jobs.GetByUser(ctx, "user-1", 0, 10)
	require.NoError(t, err)
	assert.Zero(t, total, "an unpaid job must never be enqueued")
}

func TestCancelPendingJob(t *testing.T) {
	adm, h := newAdmission(t)
	ctx := context.Background()

	job, err := adm.Submit(ctx, SubmitRequest{
		UserID:   "user-1",
		VideoURL: "https://example.com/video.mp4",
	})
	require.NoError(t, err)

	cancelled, err := adm.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)

	stored, err := h.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, stored.Status)
	require.NotNil(t, stored.CompletedAt)

	receipt, err := h.credits.GetByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReceiptStateRefunded, receipt.State)

	// Terminal jobs cannot be cancelled twice.
	_, err = adm.Cancel(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobNotCancellable)
}

func TestCancelUnknownJob(t *testing.T) {
	adm, _ := newAdmission(t)
	_, err := adm.Cancel(context.Background(), models.NewULID())
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestCancelAcquiredJobRefused(t *testing.T) {
	adm, h := newAdmission(t)
	ctx := context.Background()

	job, err := adm.Submit(ctx, SubmitRequest{
		UserID:   "user-1",
		VideoURL: "https://example.com/video.mp4",
	})
	require.NoError(t, err)

	acquired, err := h.jobs.AcquireJob(ctx, "test-worker")
	require.NoError(t, err)
	require.NotNil(t, acquired)
	require.Equal(t, job.ID, acquired.ID)

	// Once a worker holds the row, cancellation is no longer admission's
	// call; the reservation stays open for the running attempt.
	_, err = adm.Cancel(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobNotCancellable)

	receipt, err := h.credits.GetByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReceiptStateReserved, receipt.State)
}

func TestRunnerProcessesQueuedJob(t *testing.T) {
	proc := &stubProcessor{id: "stub", status: models.JobStatusScoring}
	proc.run = func(_ context.Context, _ *core.Context, _ *core.PipelineData, _ core.Options) (*core.Outcome, error) {
		return completionOutcome(models.JobResult{FramesAnalyzed: 1}), nil
	}
	h := newHarness(t, proc)
	ctx := context.Background()

	job := models.NewJob("user-1", "https://example.com/video.mp4", models.JobConfig{})
	require.NoError(t, h.jobs.Create(ctx, job))
	_, err := h.ledger.Reserve(ctx, job.UserID, job.ID, 1)
	require.NoError(t, err)

	runner := NewRunner(config.WorkerConfig{
		Count:        1,
		PollInterval: 10 * time.Millisecond,
	}, h.jobs, h.exec, slog.New(slog.DiscardHandler))

	require.NoError(t, runner.Start(ctx))
	defer runner.Stop()

	require.Eventually(t, func() bool {
		stored, err := h.jobs.GetByID(ctx, job.ID)
		return err == nil && stored.Status == models.JobStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRunnerStopReleasesInFlightJob(t *testing.T) {
	started := make(chan struct{}, 1)
	proc := &stubProcessor{id: "stub", status: models.JobStatusScoring}
	proc.run = func(ctx context.Context, _ *core.Context, _ *core.PipelineData, _ core.Options) (*core.Outcome, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	h := newHarness(t, proc)
	ctx := context.Background()

	job := models.NewJob("user-1", "https://example.com/video.mp4", models.JobConfig{})
	require.NoError(t, h.jobs.Create(ctx, job))
	_, err := h.ledger.Reserve(ctx, job.UserID, job.ID, 1)
	require.NoError(t, err)

	runner := NewRunner(config.WorkerConfig{
		Count:        1,
		PollInterval: 10 * time.Millisecond,
	}, h.jobs, h.exec, slog.New(slog.DiscardHandler))
	require.NoError(t, runner.Start(ctx))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never picked up the job")
	}
	runner.Stop()

	// Graceful shutdown must not decide the job's fate: the row returns
	// to the queue unfinished with its reservation intact.
	stored, err := h.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, stored.Status)
	assert.Empty(t, stored.LockedBy)
	assert.Nil(t, stored.CompletedAt)

	receipt, err := h.credits.GetByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReceiptStateReserved, receipt.State)
}

func TestRunnerRejectsDoubleStart(t *testing.T) {
	proc := &stubProcessor{id: "stub", status: models.JobStatusScoring}
	proc.run = func(_ context.Context, _ *core.Context, _ *core.PipelineData, _ core.Options) (*core.Outcome, error) {
		return nil, nil
	}
	h := newHarness(t, proc)

	runner := NewRunner(config.WorkerConfig{Count: 1, PollInterval: 50 * time.Millisecond},
		h.jobs, h.exec, slog.New(slog.DiscardHandler))
	require.NoError(t, runner.Start(context.Background()))
	defer runner.Stop()

	assert.Error(t, runner.Start(context.Background()))
}

func TestRunnerRejectsBadCron(t *testing.T) {
	proc := &stubProcessor{id: "stub", status: models.JobStatusScoring}
	proc.run = func(_ context.Context, _ *core.Context, _ *core.PipelineData, _ core.Options) (*core.Outcome, error) {
		return nil, nil
	}
	h := newHarness(t, proc)

	runner := NewRunner(config.WorkerConfig{
		Count:        1,
		PollInterval: 50 * time.Millisecond,
		CleanupCron:  "not a cron",
	}, h.jobs, h.exec, slog.New(slog.DiscardHandler))
	assert.Error(t, runner.Start(context.Background()))
}
