// Package jobs runs pipeline jobs for novels, one at a time. Job rows
// are persisted so clients can poll status and tail logs across
// restarts; the work itself is not resumable and orphaned rows are
// failed on startup.
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"airp/internal/db"
	"airp/internal/home"
	"airp/internal/novels"
	"airp/internal/pipeline"
)

var (
	// ErrJobBusy is returned when a pipeline job is already queued or
	// running. The executor is a single slot.
	ErrJobBusy = errors.New("a pipeline job is already running")

	// ErrNotFound is returned for unknown job IDs.
	ErrNotFound = errors.New("job not found")
)

// Job statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

const orphanError = "job aborted due to service restart"

// Maximum lines one TailLogs call returns.
const (
	defaultTailLines = 200
	maxTailLines     = 2000
)

// Job is one persisted pipeline job.
type Job struct {
	ID          string           `json:"job_id"`
	NovelID     string           `json:"novel_id"`
	OwnerUserID string           `json:"-"`
	Spec        pipeline.RunSpec `json:"spec"`
	Status      string           `json:"status"`
	CurrentStep *int             `json:"current_step"`
	Progress    float64          `json:"progress"`
	StartedAt   string           `json:"started_at,omitempty"`
	FinishedAt  string           `json:"finished_at,omitempty"`
	CreatedAt   string           `json:"created_at"`
	LogPath     string           `json:"-"`
	Error       string           `json:"error,omitempty"`
	Result      map[string]any   `json:"result"`
}

// Terminal reports whether the job has finished, for better or worse.
func (j *Job) Terminal() bool {
	return j.Status == StatusSucceeded || j.Status == StatusFailed
}

// Runner executes one pipeline run. *pipeline.Runner satisfies it.
type Runner interface {
	Run(ctx context.Context, ownerUserID, novelID string, spec pipeline.RunSpec, logPath string, progress func(step int, fraction float64)) (map[string]any, error)
}

// Scheduler owns the single execution slot. Novel status transitions
// ride along: processing on start, ready or failed on completion.
type Scheduler struct {
	sql    *sql.DB
	home   *home.Dir
	runner Runner
	novels *novels.Service
	logger *slog.Logger

	// onFinished is called after a job reaches a terminal state, with
	// the novel whose artifacts may have changed.
	onFinished func(novelID string)

	mu     sync.Mutex
	active bool

	wg sync.WaitGroup
}

// NewScheduler creates the scheduler and fails over any job rows left
// queued or running by a previous process.
func NewScheduler(database *db.DB, dir *home.Dir, runner Runner, novelsSvc *novels.Service, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		sql:    database.Handle(),
		home:   dir,
		runner: runner,
		novels: novelsSvc,
		logger: logger,
	}
	if err := s.failOrphans(); err != nil {
		return nil, err
	}
	return s, nil
}

// OnFinished registers the terminal-state callback. Must be set before
// Start is first called.
func (s *Scheduler) OnFinished(fn func(novelID string)) {
	s.onFinished = fn
}

// failOrphans marks jobs interrupted by a restart as failed so clients
// polling them see a terminal state instead of an eternal "running".
func (s *Scheduler) failOrphans() error {
	res, err := s.sql.Exec(
		`UPDATE pipeline_jobs SET status = ?, error = ?, finished_at = ? WHERE status IN (?, ?)`,
		StatusFailed, orphanError, db.UTCNow(), StatusQueued, StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to clean up orphaned jobs: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.Warn("orphaned pipeline jobs failed over", "count", n)
	}
	return nil
}

// Start queues and launches one pipeline job for a novel. Only one job
// may be in flight across the whole process.
func (s *Scheduler) Start(ownerUserID, novelID string, spec pipeline.RunSpec) (*Job, error) {
	jobID := uuid.NewString()
	logPath, err := s.home.JobLogPath(ownerUserID, novelID, jobID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return nil, ErrJobBusy
	}
	s.active = true
	s.mu.Unlock()

	job := &Job{
		ID:          jobID,
		NovelID:     novelID,
		OwnerUserID: ownerUserID,
		Spec:        spec,
		Status:      StatusQueued,
		CreatedAt:   db.UTCNow(),
		LogPath:     logPath,
		Result:      map[string]any{},
	}
	if err := s.insert(job); err != nil {
		s.release()
		return nil, err
	}
	if err := s.novels.SetProcessing(novelID, job.ID); err != nil {
		s.logger.Error("failed to mark novel processing", "novel_id", novelID, "error", err)
	}

	s.wg.Add(1)
	go s.execute(job)

	s.logger.Info("pipeline job queued",
		"job_id", job.ID, "novel_id", novelID, "step", spec.Step, "force", spec.Force)
	return job.clone(), nil
}

func (s *Scheduler) execute(job *Job) {
	defer s.wg.Done()
	defer s.release()

	s.update(job.ID,
		`UPDATE pipeline_jobs SET status = ?, started_at = ? WHERE id = ?`,
		StatusRunning, db.UTCNow(), job.ID)

	progress := func(step int, fraction float64) {
		s.update(job.ID,
			`UPDATE pipeline_jobs SET current_step = ?, progress = ? WHERE id = ?`,
			step, fraction, job.ID)
	}

	stats, err := s.runJob(job, progress)
	if err != nil {
		s.logger.Error("pipeline job failed", "job_id", job.ID, "novel_id", job.NovelID, "error", err)
		s.update(job.ID,
			`UPDATE pipeline_jobs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
			StatusFailed, err.Error(), db.UTCNow(), job.ID)
		if err := s.novels.SetFailed(job.NovelID, job.ID, err.Error()); err != nil {
			s.logger.Error("failed to mark novel failed", "novel_id", job.NovelID, "error", err)
		}
		s.finished(job.NovelID)
		return
	}

	s.update(job.ID,
		`UPDATE pipeline_jobs SET status = ?, progress = 1.0, result = ?, finished_at = ? WHERE id = ?`,
		StatusSucceeded, jsonDump(stats), db.UTCNow(), job.ID)
	if err := s.novels.SetReady(job.NovelID, job.ID, stats); err != nil {
		s.logger.Error("failed to mark novel ready", "novel_id", job.NovelID, "error", err)
	}
	s.logger.Info("pipeline job succeeded", "job_id", job.ID, "novel_id", job.NovelID)
	s.finished(job.NovelID)
}

// runJob invokes the runner, converting a stage panic into a job error
// so one bad chapter cannot take the whole process down.
func (s *Scheduler) runJob(job *Job, progress func(step int, fraction float64)) (stats map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("pipeline job panicked", "job_id", job.ID, "panic", r)
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()
	return s.runner.Run(context.Background(), job.OwnerUserID, job.NovelID, job.Spec, job.LogPath, progress)
}

func (s *Scheduler) finished(novelID string) {
	if s.onFinished != nil {
		s.onFinished(novelID)
	}
}

func (s *Scheduler) release() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// Wait blocks until the in-flight job, if any, has finished. Used on
// shutdown and by tests.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Get returns one job row.
func (s *Scheduler) Get(jobID string) (*Job, error) {
	row := s.sql.QueryRow(
		`SELECT id, novel_id, owner_user_id, spec, status, current_step, progress,
		        started_at, finished_at, created_at, log_path, error, result
		 FROM pipeline_jobs WHERE id = ?`, jobID)

	var job Job
	var specRaw, resultRaw string
	var currentStep sql.NullInt64
	err := row.Scan(&job.ID, &job.NovelID, &job.OwnerUserID, &specRaw, &job.Status,
		&currentStep, &job.Progress, &job.StartedAt, &job.FinishedAt, &job.CreatedAt,
		&job.LogPath, &job.Error, &resultRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	if currentStep.Valid {
		step := int(currentStep.Int64)
		job.CurrentStep = &step
	}
	if err := json.Unmarshal([]byte(specRaw), &job.Spec); err != nil {
		return nil, fmt.Errorf("failed to decode job spec: %w", err)
	}
	job.Result = map[string]any{}
	if err := json.Unmarshal([]byte(resultRaw), &job.Result); err != nil {
		return nil, fmt.Errorf("failed to decode job result: %w", err)
	}
	return &job, nil
}

// ListByNovel returns a novel's jobs, newest first.
func (s *Scheduler) ListByNovel(novelID string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.sql.Query(
		`SELECT id FROM pipeline_jobs WHERE novel_id = ? ORDER BY created_at DESC LIMIT ?`,
		novelID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

// TailLogs returns the last lines of a job's log file. A job without a
// log yet yields an empty slice.
func (s *Scheduler) TailLogs(jobID string, lines int) ([]string, error) {
	if lines <= 0 {
		lines = defaultTailLines
	}
	if lines > maxTailLines {
		lines = maxTailLines
	}

	job, err := s.Get(jobID)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(job.LogPath)
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job log: %w", err)
	}

	all := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(all) == 1 && all[0] == "" {
		return []string{}, nil
	}
	if len(all) > lines {
		all = all[len(all)-lines:]
	}
	return all, nil
}

func (s *Scheduler) insert(job *Job) error {
	_, err := s.sql.Exec(
		`INSERT INTO pipeline_jobs
		   (id, novel_id, owner_user_id, spec, status, progress, created_at, log_path)
		 VALUES (?, ?, ?, ?, ?, 0.0, ?, ?)`,
		job.ID, job.NovelID, job.OwnerUserID, jsonDump(job.Spec), job.Status,
		job.CreatedAt, job.LogPath)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (s *Scheduler) update(jobID, query string, args ...any) {
	if _, err := s.sql.Exec(query, args...); err != nil {
		s.logger.Error("job update failed", "job_id", jobID, "error", err)
	}
}

func (j *Job) clone() *Job {
	out := *j
	if j.CurrentStep != nil {
		step := *j.CurrentStep
		out.CurrentStep = &step
	}
	out.Result = make(map[string]any, len(j.Result))
	for k, v := range j.Result {
		out.Result[k] = v
	}
	return &out
}

func jsonDump(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
