// Package events publishes run lifecycle events without blocking the request path.
package events

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindTaskGroupSaved Kind = "task_group_saved"
	KindRunCreated     Kind = "run_created"
)

type Event struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	TaskID    string         `json:"task_id"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"created_at"`
}

// Sink delivers one event to its destination.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

const defaultPublishTimeout = 10 * time.Second

// Dispatcher runs every publish in a tracked goroutine. A failed publish is retried
// once, then logged and dropped. Create one per process and Close it on shutdown.
type Dispatcher struct {
	sink    Sink
	timeout time.Duration
	backoff time.Duration
	wg      sync.WaitGroup
	now     func() time.Time
}

func NewDispatcher(sink Sink) *Dispatcher {
	if sink == nil {
		sink = LogSink{}
	}
	return &Dispatcher{
		sink:    sink,
		timeout: defaultPublishTimeout,
		backoff: 250 * time.Millisecond,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Emit schedules event for delivery. The caller's cancellation does not stop it.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt == "" {
		event.CreatedAt = d.now().Format(time.RFC3339Nano)
	}
	base := context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		err := d.publish(base, event)
		if err == nil {
			return
		}
		time.Sleep(d.backoff)
		if err := d.publish(base, event); err != nil {
			log.Printf("event publish failed kind=%s id=%s task_id=%s err=%v", event.Kind, event.ID, event.TaskID, err)
		}
	}()
}

func (d *Dispatcher) publish(ctx context.Context, event Event) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.sink.Publish(ctx, event)
}

// Close waits for in-flight events or until ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type LogSink struct{}

func (LogSink) Publish(_ context.Context, event Event) error {
	log.Printf("event kind=%s id=%s task_id=%s", event.Kind, event.ID, event.TaskID)
	return nil
}
