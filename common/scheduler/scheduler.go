package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/meshflow/orchestrator/common/correlation"
)

// Logger interface for scheduler logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// FireFunc rearms the orchestration start path for a flow. The correlation
// id is the one captured at arming time so logs and metrics correlate
// across cycles.
type FireFunc func(ctx context.Context, flowID, correlationID string) error

// Job is one scheduled flow.
type Job struct {
	FlowID         string
	CronExpression string
	CorrelationID  string
	OneTime        bool

	entryID cron.EntryID
}

// Scheduler maintains the flowId -> job registry on a robfig cron engine,
// optionally persisted so a restarted pod can rearm its schedules.
type Scheduler struct {
	cron   *cron.Cron
	parser cron.Parser
	jobs   map[string]*Job
	mu     sync.Mutex
	fire   FireFunc
	store  Store // nil = in-memory only
	logger Logger
}

// New creates a scheduler. The store may be nil for in-memory operation.
func New(fire FireFunc, store Store, logger Logger) *Scheduler {
	parser := cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)

	engine := cron.New(cron.WithParser(parser))
	engine.Start()

	return &Scheduler{
		cron:   engine,
		parser: parser,
		jobs:   make(map[string]*Job),
		fire:   fire,
		store:  store,
		logger: logger,
	}
}

// normalize maps Quartz-flavored expressions onto what the engine accepts:
// "?" becomes "*", and a trailing year field is dropped. Validate and the
// runtime share this path so they accept exactly the same language.
func normalize(expr string) (string, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return "", fmt.Errorf("cron expression is empty")
	}

	fields := strings.Fields(expr)
	if len(fields) == 7 {
		fields = fields[:6]
	}
	for i, f := range fields {
		if f == "?" {
			fields[i] = "*"
		}
	}
	return strings.Join(fields, " "), nil
}

// Validate checks a cron expression without arming anything.
func (s *Scheduler) Validate(expr string) error {
	normalized, err := normalize(expr)
	if err != nil {
		return err
	}
	if _, err := s.parser.Parse(normalized); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Start arms a job for the flow. Rejects when a job already exists or the
// expression is invalid. The correlation id in scope at arming time (or a
// fresh one) is preserved for every fire.
func (s *Scheduler) Start(ctx context.Context, flowID, expr string, oneTime bool) error {
	if err := s.Validate(expr); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[flowID]; exists {
		return fmt.Errorf("flow %s is already scheduled", flowID)
	}

	job := &Job{
		FlowID:         flowID,
		CronExpression: expr,
		CorrelationID:  correlation.Resolve(ctx),
		OneTime:        oneTime,
	}
	if err := s.arm(job); err != nil {
		return err
	}
	s.jobs[flowID] = job

	if s.store != nil {
		if err := s.store.Save(ctx, *job); err != nil {
			s.logger.Warn("failed to persist schedule", "flow_id", flowID, "error", err)
		}
	}

	s.logger.Info("schedule armed",
		"flow_id", flowID,
		"cron", expr,
		"one_time", oneTime,
		"correlation_id", job.CorrelationID)
	return nil
}

// arm registers the job's trigger. Caller holds the mutex.
func (s *Scheduler) arm(job *Job) error {
	normalized, err := normalize(job.CronExpression)
	if err != nil {
		return err
	}

	flowID := job.FlowID
	entryID, err := s.cron.AddFunc(normalized, func() {
		s.onFire(flowID)
	})
	if err != nil {
		return fmt.Errorf("failed to arm schedule for flow %s: %w", flowID, err)
	}
	job.entryID = entryID
	return nil
}

// onFire runs one scheduled cycle with the preserved correlation id.
func (s *Scheduler) onFire(flowID string) {
	s.mu.Lock()
	job, exists := s.jobs[flowID]
	s.mu.Unlock()
	if !exists {
		return
	}

	ctx := correlation.WithCorrelationID(context.Background(), job.CorrelationID)

	s.logger.Info("schedule fired",
		"flow_id", flowID,
		"correlation_id", job.CorrelationID,
		"fire_id", uuid.New().String())

	if err := s.fire(ctx, flowID, job.CorrelationID); err != nil {
		s.logger.Error("scheduled fire failed",
			"flow_id", flowID,
			"correlation_id", job.CorrelationID,
			"error", err)
	}

	if job.OneTime {
		if err := s.Stop(ctx, flowID); err != nil {
			s.logger.Warn("failed to remove one-time schedule", "flow_id", flowID, "error", err)
		}
	}
}

// Stop disarms a job. Rejects when the flow is not scheduled.
func (s *Scheduler) Stop(ctx context.Context, flowID string) error {
	s.mu.Lock()
	job, exists := s.jobs[flowID]
	if exists {
		s.cron.Remove(job.entryID)
		delete(s.jobs, flowID)
	}
	s.mu.Unlock()

	if !exists {
		return fmt.Errorf("flow %s is not scheduled", flowID)
	}

	if s.store != nil {
		if err := s.store.Delete(ctx, flowID); err != nil {
			s.logger.Warn("failed to delete persisted schedule", "flow_id", flowID, "error", err)
		}
	}

	s.logger.Info("schedule disarmed", "flow_id", flowID)
	return nil
}

// Update replaces the trigger when present, else starts a new job.
func (s *Scheduler) Update(ctx context.Context, flowID, expr string, oneTime bool) error {
	if err := s.Validate(expr); err != nil {
		return err
	}

	s.mu.Lock()
	job, exists := s.jobs[flowID]
	if exists {
		s.cron.Remove(job.entryID)
		job.CronExpression = expr
		job.OneTime = oneTime
		if err := s.arm(job); err != nil {
			delete(s.jobs, flowID)
			s.mu.Unlock()
			return err
		}
		s.mu.Unlock()

		if s.store != nil {
			if err := s.store.Save(ctx, *job); err != nil {
				s.logger.Warn("failed to persist schedule update", "flow_id", flowID, "error", err)
			}
		}
		s.logger.Info("schedule updated", "flow_id", flowID, "cron", expr)
		return nil
	}
	s.mu.Unlock()

	return s.Start(ctx, flowID, expr, oneTime)
}

// IsRunning reports whether a job exists for the flow.
func (s *Scheduler) IsRunning(flowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.jobs[flowID]
	return exists
}

// CronExpression returns the flow's armed expression.
func (s *Scheduler) CronExpression(flowID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, exists := s.jobs[flowID]
	if !exists {
		return "", false
	}
	return job.CronExpression, true
}

// NextFireTime returns the next scheduled fire for the flow.
func (s *Scheduler) NextFireTime(flowID string) (time.Time, error) {
	s.mu.Lock()
	job, exists := s.jobs[flowID]
	s.mu.Unlock()
	if !exists {
		return time.Time{}, fmt.Errorf("flow %s is not scheduled", flowID)
	}
	return s.cron.Entry(job.entryID).Next, nil
}

// ListScheduled returns the flow ids with armed jobs.
func (s *Scheduler) ListScheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.jobs))
	for flowID := range s.jobs {
		out = append(out, flowID)
	}
	return out
}

// Restore rearms every persisted schedule. Called once at boot.
func (s *Scheduler) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	jobs, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list persisted schedules: %w", err)
	}

	for _, stored := range jobs {
		job := stored
		s.mu.Lock()
		if _, exists := s.jobs[job.FlowID]; exists {
			s.mu.Unlock()
			continue
		}
		if err := s.arm(&job); err != nil {
			s.mu.Unlock()
			s.logger.Error("failed to restore schedule", "flow_id", job.FlowID, "error", err)
			continue
		}
		s.jobs[job.FlowID] = &job
		s.mu.Unlock()

		s.logger.Info("schedule restored", "flow_id", job.FlowID, "cron", job.CronExpression)
	}
	return nil
}

// Shutdown stops the cron engine and waits for in-flight fires.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("timeout waiting for in-flight schedule fires")
		return ctx.Err()
	}
}
