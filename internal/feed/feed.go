// Package feed fans out structured log lines and periodic status
// snapshots to in-process subscribers (the API/UI layer). Publishing is
// non-blocking: a subscriber that cannot keep up loses events rather
// than stalling the pipeline.
package feed

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Event levels on the log stream.
const (
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
	LevelTrade = "TRADE"
)

// LogLine is one structured log event.
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Service   string    `json:"service"`
	Message   string    `json:"message"`
}

// Event is what subscribers receive: either a log line or a status
// snapshot, never both.
type Event struct {
	Type   string   `json:"type"` // "log" or "status"
	Log    *LogLine `json:"log,omitempty"`
	Status any      `json:"status,omitempty"`
}

const defaultBuffer = 256

// Feed is the fan-out hub.
type Feed struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool

	dropped atomic.Int64
}

func New() *Feed {
	return &Feed{subs: make(map[int]chan Event)}
}

// Subscribe registers a consumer. The returned cancel func must be
// called when done; the channel is closed by Close or by cancel.
func (f *Feed) Subscribe() (<-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan Event, defaultBuffer)
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = ch

	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub)
		}
	}
}

// PublishLog pushes a log line to every subscriber.
func (f *Feed) PublishLog(level, service, message string) {
	f.publish(Event{Type: "log", Log: &LogLine{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Service:   service,
		Message:   message,
	}})
}

// PublishStatus pushes a status snapshot to every subscriber.
func (f *Feed) PublishStatus(status any) {
	f.publish(Event{Type: "status", Status: status})
}

func (f *Feed) publish(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	for _, ch := range f.subs {
		select {
		case ch <- ev:
		default:
			f.dropped.Add(1)
		}
	}
}

// Dropped returns how many events were lost to slow subscribers.
func (f *Feed) Dropped() int64 {
	return f.dropped.Load()
}

// Close shuts the hub down and closes all subscriber channels.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}

// Hook adapts the feed to zerolog so every warn-or-higher log line also
// lands on the stream. Install with log.Logger.Hook(feed.NewHook(f)).
type Hook struct {
	feed    *Feed
	service string
}

func NewHook(f *Feed, service string) Hook {
	return Hook{feed: f, service: service}
}

func (h Hook) Run(_ *zerolog.Event, level zerolog.Level, message string) {
	if message == "" {
		return
	}
	switch level {
	case zerolog.InfoLevel:
		h.feed.PublishLog(LevelInfo, h.service, message)
	case zerolog.WarnLevel:
		h.feed.PublishLog(LevelWarn, h.service, message)
	case zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel:
		h.feed.PublishLog(LevelError, h.service, message)
	}
}
