// Package review reconciles submitted edits against the record store and
// the lease queue, and drives the backup-then-save persistence path.
package review

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/slidereviewd/internal/queue"
	"github.com/fyrsmithlabs/slidereviewd/internal/records"
)

const instrumentationName = "github.com/fyrsmithlabs/slidereviewd/internal/review"

// Message categories surfaced to the UI.
const (
	CategorySuccess  = "success"
	CategoryInfo     = "info"
	CategoryWarning  = "warning"
	CategoryCritical = "critical"
)

// Message is a user-facing note about the outcome of a submission.
type Message struct {
	Category string `json:"category"`
	Text     string `json:"text"`
}

// Request is one submitted review form. Action is the navigation intent
// ("save", "next", "prev", "complete"); the queue item transitions to
// completed only when the reviewer both checks the box and moves on.
type Request struct {
	Reviewer      string
	OriginalIndex int
	AccessionID   string
	Stain         string
	BlockNumber   string
	MarkComplete  bool
	Action        string
}

// Result reports what a submission did.
type Result struct {
	Saved     bool      `json:"saved"`
	Forced    bool      `json:"forced"`
	Completed bool      `json:"completed"`
	Reopened  bool      `json:"reopened"`
	Messages  []Message `json:"messages"`
}

// Reconciler applies review submissions. It owns the ordering guarantees:
// lease checks before edits, backup before save, and the queue transition
// only after the snapshot is safely on disk.
type Reconciler struct {
	store     *records.Store
	queue     queue.Service
	backupDir string
	logger    *zap.Logger
	tracer    trace.Tracer

	savesTotal  metric.Int64Counter
	forcedSaves metric.Int64Counter
}

// New creates a reconciler. A nil logger falls back to a no-op logger; nil
// telemetry providers fall back to no-op providers.
func New(store *records.Store, q queue.Service, backupDir string, logger *zap.Logger, tp trace.TracerProvider, mp metric.MeterProvider) (*Reconciler, error) {
	if store == nil {
		return nil, errors.New("record store is required")
	}
	if q == nil {
		return nil, errors.New("queue service is required")
	}
	if backupDir == "" {
		return nil, errors.New("backup directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if tp == nil {
		tp = nooptrace.NewTracerProvider()
	}
	if mp == nil {
		mp = noop.NewMeterProvider()
	}

	meter := mp.Meter(instrumentationName)
	savesTotal, err := meter.Int64Counter("review.saves",
		metric.WithDescription("Number of snapshot saves triggered by review submissions"))
	if err != nil {
		return nil, fmt.Errorf("creating review.saves counter: %w", err)
	}
	forcedSaves, err := meter.Int64Counter("review.saves.forced",
		metric.WithDescription("Number of saves applied after the submitter's lease had expired"))
	if err != nil {
		return nil, fmt.Errorf("creating review.saves.forced counter: %w", err)
	}

	return &Reconciler{
		store:       store,
		queue:       q,
		backupDir:   backupDir,
		logger:      logger,
		tracer:      tp.Tracer(instrumentationName),
		savesTotal:  savesTotal,
		forcedSaves: forcedSaves,
	}, nil
}

// Apply validates and persists one review submission.
//
// A submitter whose lease expired mid-review and whose item is now pending,
// completed, or leased by nobody gets their work saved anyway, flagged as a
// forced save. Only a live lease held by a different reviewer blocks the
// write.
func (r *Reconciler) Apply(ctx context.Context, req Request) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "review.Apply")
	defer span.End()

	var res Result

	if req.Reviewer == "" {
		res.Messages = append(res.Messages, Message{CategoryCritical, "Reviewer name is required."})
		return res, nil
	}
	if _, err := r.store.EnsureFresh(); err != nil {
		return res, fmt.Errorf("refreshing snapshot: %w", err)
	}
	current, err := r.store.Get(req.OriginalIndex)
	if err != nil {
		res.Messages = append(res.Messages, Message{CategoryCritical, "That record no longer exists."})
		return res, nil
	}

	item, err := r.queue.Get(ctx, req.OriginalIndex)
	if err != nil && !errors.Is(err, queue.ErrNotFound) {
		return res, fmt.Errorf("checking lease: %w", err)
	}

	switch {
	case err == nil && item.Status == queue.StatusLeased && item.LeasedBy != req.Reviewer:
		res.Messages = append(res.Messages, Message{CategoryWarning,
			fmt.Sprintf("This record is being reviewed by %s. Your changes were not saved.", item.LeasedBy)})
		return res, nil
	case err == nil && item.Status == queue.StatusCompleted &&
		item.CompletedBy != "" && item.CompletedBy != req.Reviewer:
		// Reviewing someone else's finished work requires an explicit
		// jump, which re-leases the item first.
		res.Messages = append(res.Messages, Message{CategoryWarning,
			fmt.Sprintf("This record was already completed by %s. Your changes were not saved.", item.CompletedBy)})
		return res, nil
	case err == nil && item.Status == queue.StatusPending:
		// The submitter's lease lapsed and was reclaimed before they
		// saved. Their edits win: take the lease back and record the
		// takeover.
		if _, err := r.queue.AssignSpecific(ctx, req.OriginalIndex, req.Reviewer); err != nil {
			return res, fmt.Errorf("reacquiring lease: %w", err)
		}
		res.Forced = true
	}

	markComplete := req.MarkComplete
	if markComplete && (strings.TrimSpace(req.AccessionID) == "" || strings.TrimSpace(req.Stain) == "") {
		markComplete = false
		res.Messages = append(res.Messages, Message{CategoryWarning,
			"Accession ID and Stain are required to mark a record complete."})
	}

	outcome, err := r.store.ApplyEdits(req.OriginalIndex, records.Edits{
		AccessionID: req.AccessionID,
		Stain:       req.Stain,
		BlockNumber: req.BlockNumber,
		Complete:    &markComplete,
	})
	if err != nil {
		return res, fmt.Errorf("applying edits: %w", err)
	}

	if outcome.Changed {
		// Persistence failures are reviewer-facing, not transport errors:
		// the edits stay applied in memory so nothing typed is lost, but
		// the reviewer must know the snapshot on disk is stale.
		if _, err := r.store.Backup(r.backupDir); err != nil {
			r.logger.Error("backup before save failed",
				zap.Int("index", req.OriginalIndex), zap.Error(err))
			res.Messages = append(res.Messages, Message{CategoryCritical,
				"Backup failed. Your changes are applied in this session but were NOT written to disk."})
			return res, nil
		}
		if err := r.store.Save(); err != nil {
			r.logger.Error("snapshot save failed",
				zap.Int("index", req.OriginalIndex), zap.Error(err))
			res.Messages = append(res.Messages, Message{CategoryCritical,
				"Saving failed. Your changes are applied in this session but were NOT written to disk."})
			return res, nil
		}
		res.Saved = true
		r.savesTotal.Add(ctx, 1)
		if res.Forced {
			r.forcedSaves.Add(ctx, 1)
			r.logger.Warn("forced save after lease expiry",
				zap.Int("index", req.OriginalIndex),
				zap.String("reviewer", req.Reviewer))
			res.Messages = append(res.Messages, Message{CategoryWarning,
				"Your lease had expired; your changes were saved anyway."})
		}
	}

	finishing := req.Action == "next" || req.Action == "complete"

	switch {
	case markComplete && finishing:
		if _, err := r.queue.Complete(ctx, req.OriginalIndex, req.Reviewer, res.Forced); err != nil {
			if errors.Is(err, queue.ErrLeaseConflict) {
				res.Messages = append(res.Messages, Message{CategoryWarning,
					"Another reviewer took over this record before it could be marked complete."})
				return res, nil
			}
			return res, fmt.Errorf("completing queue item: %w", err)
		}
		res.Completed = true
		res.Messages = append(res.Messages, Message{CategorySuccess,
			fmt.Sprintf("Record %d saved and marked complete.", req.OriginalIndex)})
	case current.IsComplete && !markComplete:
		if err := r.queue.Reopen(ctx, req.OriginalIndex); err != nil {
			return res, fmt.Errorf("reopening queue item: %w", err)
		}
		res.Reopened = true
		res.Messages = append(res.Messages, Message{CategoryInfo,
			fmt.Sprintf("Record %d reopened for review.", req.OriginalIndex)})
	case res.Saved:
		res.Messages = append(res.Messages, Message{CategorySuccess,
			fmt.Sprintf("Record %d saved.", req.OriginalIndex)})
	default:
		res.Messages = append(res.Messages, Message{CategoryInfo, "No changes to save."})
	}

	return res, nil
}
