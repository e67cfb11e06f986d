package assignment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/quizrag/internal/storage"
)

const maxConflictRetries = 3

// Store persists assignments. storage.Store implements it.
type Store interface {
	GetAssignment(ctx context.Context, student, subject string) (Assignment, error)
	CreateAssignment(ctx context.Context, a Assignment) error
	UpdateAssignment(ctx context.Context, a Assignment) error
	RecordPrompt(ctx context.Context, student, subject, hash, text string) error
	ReportCounts(ctx context.Context, subject string) (map[string]int, error)
}

// Engine loads, decides and stores assignments.
type Engine struct {
	store Store
	cfg   *Config
	now   func() time.Time
	group singleflight.Group
}

// NewEngine creates an Engine over store using the loaded variants.
func NewEngine(store Store, cfg *Config) *Engine {
	return &Engine{store: store, cfg: cfg, now: time.Now}
}

// DefaultModel is the model used outside any A/B window.
func (e *Engine) DefaultModel() string {
	return e.cfg.DefaultModel
}

// Config returns the loaded variants.
func (e *Engine) Config() *Config {
	return e.cfg
}

// Assign returns the model serving student for subject, creating or
// updating the stored record as needed. Concurrent calls for the same pair
// share one evaluation.
func (e *Engine) Assign(ctx context.Context, student, subject string) (Decision, error) {
	v, err, _ := e.group.Do(student+"\x00"+subject, func() (any, error) {
		return e.assign(ctx, student, subject)
	})
	if err != nil {
		return Decision{}, err
	}
	return v.(Decision), nil
}

func (e *Engine) assign(ctx context.Context, student, subject string) (Decision, error) {
	now := e.now()
	sv := e.cfg.Lookup(subject)
	if sv == nil {
		slog.Debug("no variants configured, using default model", "subject", subject, "model", e.cfg.DefaultModel)
	}
	failures := e.failures(ctx, sv, subject, now)

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		existing, err := e.store.GetAssignment(ctx, student, subject)
		if errors.Is(err, storage.ErrNotFound) {
			d := Decide(nil, sv, e.cfg.DefaultModel, student, subject, failures, now)
			err = e.store.CreateAssignment(ctx, Assignment{
				StudentEmail:     student,
				SubjectName:      subject,
				AssignedModel:    d.Model,
				ABCTestingActive: d.ABCTestingActive,
			})
			if errors.Is(err, storage.ErrConflict) {
				slog.Debug("assignment created concurrently, re-reading", "subject", subject, "attempt", attempt+1)
				continue
			}
			if err != nil {
				return Decision{}, fmt.Errorf("creating assignment: %w", err)
			}
			slog.Info("assigned model", "subject", subject, "model", d.Model, "reason", d.Reason, "abc_testing", d.ABCTestingActive)
			return d, nil
		}
		if err != nil {
			return Decision{}, fmt.Errorf("loading assignment: %w", err)
		}

		d := Decide(&existing, sv, e.cfg.DefaultModel, student, subject, failures, now)
		if d.Changed {
			existing.AssignedModel = d.Model
			existing.ABCTestingActive = d.ABCTestingActive
			if err := e.store.UpdateAssignment(ctx, existing); err != nil {
				return Decision{}, fmt.Errorf("updating assignment: %w", err)
			}
			slog.Info("assignment updated", "subject", subject, "model", d.Model, "reason", d.Reason, "abc_testing", d.ABCTestingActive)
		}
		return d, nil
	}
	return Decision{}, fmt.Errorf("assignment for subject %s: %w after %d attempts", subject, storage.ErrConflict, maxConflictRetries)
}

// failures loads report counts only when the subject's active window ranks
// by them. A lookup error leaves every model at zero.
func (e *Engine) failures(ctx context.Context, sv *SubjectVariants, subject string, now time.Time) map[string]int {
	if sv == nil || !sv.FewerReportedPriority || sv.CostPriority || !sv.Active(now) {
		return nil
	}
	counts, err := e.store.ReportCounts(ctx, subject)
	if err != nil {
		slog.Warn("loading report counts", "subject", subject, "error", err)
		return nil
	}
	return counts
}

// RecordPrompt stores the prompt last sent for the pair. Failures are
// logged and otherwise ignored.
func (e *Engine) RecordPrompt(ctx context.Context, student, subject, hash, text string) {
	if err := e.store.RecordPrompt(ctx, student, subject, hash, text); err != nil {
		slog.Warn("recording prompt", "subject", subject, "error", err)
	}
}
