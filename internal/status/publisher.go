package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	"github.com/Lllllllleong/ragdocumentflow/internal/models"
)

// EventType is the CloudEvents type of status change notifications.
const EventType = "com.ragdocumentflow.document.status.v1"

// Publisher delivers status events to observers.
type Publisher interface {
	Publish(ctx context.Context, event models.StatusEvent) error
}

type PublisherFunc func(ctx context.Context, event models.StatusEvent) error

func (f PublisherFunc) Publish(ctx context.Context, event models.StatusEvent) error {
	return f(ctx, event)
}

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(context.Context, models.StatusEvent) error { return nil })

// LogPublisher writes each event as a structured log line.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(ctx context.Context, event models.StatusEvent) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "Document status changed.",
		"documentId", event.DocumentID,
		"oldStatus", event.OldStatus,
		"newStatus", event.NewStatus,
		"timestamp", event.Timestamp,
	)
	return nil
}

// MultiPublisher fans an event out to every publisher and joins their errors.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, event models.StatusEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Broadcaster delivers events to in-process subscribers. A subscriber whose
// buffer is full misses the event rather than blocking the transition.
type Broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan models.StatusEvent
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan models.StatusEvent)}
}

// Subscribe returns a channel of events and a function that unsubscribes and
// closes it.
func (b *Broadcaster) Subscribe(buffer int) (<-chan models.StatusEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan models.StatusEvent, buffer)
	b.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

func (b *Broadcaster) Publish(_ context.Context, event models.StatusEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

// CloudEventsPublisher sends events as CloudEvents over HTTP.
type CloudEventsPublisher struct {
	client cloudevents.Client
	target string
	source string
}

func NewCloudEventsPublisher(target, source string) (*CloudEventsPublisher, error) {
	if target == "" {
		return nil, fmt.Errorf("cloudevents target must be provided")
	}
	client, err := cloudevents.NewClientHTTP()
	if err != nil {
		return nil, fmt.Errorf("failed to create cloudevents client: %w", err)
	}
	if source == "" {
		source = "ragdocumentflow"
	}
	return &CloudEventsPublisher{client: client, target: target, source: source}, nil
}

func (p *CloudEventsPublisher) Publish(ctx context.Context, event models.StatusEvent) error {
	e := cloudevents.NewEvent()
	e.SetID(uuid.NewString())
	e.SetSource(p.source)
	e.SetType(EventType)
	e.SetSubject(event.DocumentID)
	e.SetTime(event.Timestamp)
	if err := e.SetData(cloudevents.ApplicationJSON, event); err != nil {
		return fmt.Errorf("failed to encode status event: %w", err)
	}
	result := p.client.Send(cloudevents.ContextWithTarget(ctx, p.target), e)
	if !cloudevents.IsACK(result) {
		return fmt.Errorf("failed to deliver status event for %s: %w", event.DocumentID, result)
	}
	return nil
}
