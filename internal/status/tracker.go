// Package status owns the document state machine. Every status change goes
// through Tracker, which validates the edge, delegates the compare-and-swap
// to the store and publishes the resulting event.
package status

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lllllllleong/ragdocumentflow/internal/models"
	"github.com/Lllllllleong/ragdocumentflow/internal/store"
)

var transitions = map[models.Status][]models.Status{
	models.StatusPending:    {models.StatusProcessing},
	models.StatusProcessing: {models.StatusEmbedded, models.StatusError},
	models.StatusEmbedded:   {models.StatusProcessing},
	models.StatusError:      {models.StatusProcessing},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to models.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Tracker struct {
	store     store.DocumentStore
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Tracker)

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker. A nil publisher discards events.
func NewTracker(s store.DocumentStore, p Publisher, opts ...Option) *Tracker {
	t := &Tracker{
		store:     s,
		publisher: p,
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.publisher == nil {
		t.publisher = Discard
	}
	return t
}

// Transition validates every edge of tr before any storage access, then
// applies it atomically. A stored status outside tr.From yields
// models.ErrConcurrencyConflict and no writes.
func (t *Tracker) Transition(ctx context.Context, documentID string, tr store.Transition) (*models.Document, error) {
	if len(tr.From) == 0 {
		return nil, fmt.Errorf("%w: no source status for %s", models.ErrIllegalTransition, tr.To)
	}
	for _, from := range tr.From {
		if !CanTransition(from, tr.To) {
			return nil, fmt.Errorf("%w: %s -> %s", models.ErrIllegalTransition, from, tr.To)
		}
	}
	if tr.At.IsZero() {
		tr.At = t.now()
	}
	doc, prev, err := t.store.Transition(ctx, documentID, tr)
	if err != nil {
		return nil, err
	}
	event := models.StatusEvent{
		DocumentID: documentID,
		OldStatus:  prev,
		NewStatus:  tr.To,
		Timestamp:  tr.At,
	}
	if err := t.publisher.Publish(ctx, event); err != nil {
		t.logger.Warn("Failed to publish status event.", "documentId", documentID, "newStatus", tr.To, "error", err)
	}
	return doc, nil
}
