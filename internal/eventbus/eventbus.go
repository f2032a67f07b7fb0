// Package eventbus implements the per-work-order pub/sub fan-out plus the
// append-only JSON-lines replay log (spec §4.2).
//
// The durable append is grounded on the teacher's internal/events.Writer,
// which appended one SQL row per event inside the caller's transaction; this
// extends that idiom with a genuine in-memory subscriber fan-out and a JSONL
// file, both new because the teacher had no equivalent (see DESIGN.md).
package eventbus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"hookline/internal/domain"
)

// Handler receives events for exactly one work order.
type Handler func(domain.Event)

// bufferSize bounds the per-subscriber channel so a slow consumer cannot
// stall the emitter; sends beyond this are dropped, not blocked.
const bufferSize = 32

type subscriber struct {
	id int64
	ch chan domain.Event
}

// Bus is a process-wide event fan-out keyed by work order id, backed by an
// append-only JSONL replay log.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string][]*subscriber
	nextSubID   int64
	nextEventID int64

	logMu  sync.Mutex
	logFile *os.File

	logger *slog.Logger
}

// Open creates a Bus appending to logPath (created if absent).
func Open(logPath string, logger *slog.Logger) (*Bus, error) {
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventbus: open log: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string][]*subscriber),
		logFile:     f,
		logger:      logger,
	}, nil
}

// Close releases the log file handle.
func (b *Bus) Close() error {
	b.logMu.Lock()
	defer b.logMu.Unlock()
	return b.logFile.Close()
}

// Cancel unsubscribes a handler; idempotent.
type Cancel func()

// Subscribe registers handler for events on workOrderID only. The returned
// Cancel is idempotent and safe to call multiple times.
func (b *Bus) Subscribe(workOrderID string, handler Handler) Cancel {
	b.mu.Lock()
	b.nextSubID++
	sub := &subscriber{id: b.nextSubID, ch: make(chan domain.Event, bufferSize)}
	b.subscribers[workOrderID] = append(b.subscribers[workOrderID], sub)
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub.ch {
			b.dispatch(handler, ev)
		}
	}()

	var cancelled sync.Once
	return func() {
		cancelled.Do(func() {
			b.mu.Lock()
			list := b.subscribers[workOrderID]
			for i, s := range list {
				if s.id == sub.id {
					b.subscribers[workOrderID] = append(list[:i], list[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			close(sub.ch)
			<-done
		})
	}
}

// dispatch invokes handler, recovering panics so one misbehaving subscriber
// cannot take down the bus or other subscribers.
func (b *Bus) dispatch(handler Handler, ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("eventbus: subscriber panic", "workOrderId", ev.WorkOrderID, "type", ev.Type, "recover", r)
		}
	}()
	handler(ev)
}

// Emit appends ev to the JSONL log, assigns it an id and createdAt if unset,
// then fans it out to subscribers for ev.WorkOrderID without blocking on any
// one subscriber.
func (b *Bus) Emit(ev domain.Event) domain.Event {
	b.mu.Lock()
	b.nextEventID++
	ev.ID = b.nextEventID
	b.mu.Unlock()

	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	if err := b.appendLog(ev); err != nil {
		b.logger.Error("eventbus: append log failed", "error", err)
	}

	b.mu.Lock()
	subs := append([]*subscriber(nil), b.subscribers[ev.WorkOrderID]...)
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("eventbus: subscriber buffer full, dropping event", "workOrderId", ev.WorkOrderID, "type", ev.Type)
		}
	}
	return ev
}

type logLine struct {
	ID          int64          `json:"id"`
	WorkOrderID string         `json:"workOrderId"`
	Type        string         `json:"type"`
	CreatedAt   time.Time      `json:"createdAt"`
	Payload     map[string]any `json:"payload"`
}

func (b *Bus) appendLog(ev domain.Event) error {
	line, err := json.Marshal(logLine{
		ID:          ev.ID,
		WorkOrderID: ev.WorkOrderID,
		Type:        ev.Type,
		CreatedAt:   ev.CreatedAt,
		Payload:     ev.Payload,
	})
	if err != nil {
		return err
	}
	line = append(line, '\n')

	b.logMu.Lock()
	defer b.logMu.Unlock()
	_, err = b.logFile.Write(line)
	return err
}
