// Package notify collects messages produced during a live run and delivers
// them in one batch when the run ends.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Level is the severity of a message.
type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// Message is one queued notification.
type Message struct {
	Level Level
	Text  string
	Time  time.Time
}

// Batch is everything queued between two flushes.
type Batch struct {
	Title    string
	Messages []Message
	Summary  []string
}

// Empty reports whether the batch has nothing to send.
func (b Batch) Empty() bool { return len(b.Messages) == 0 && len(b.Summary) == 0 }

// MaxLevel returns the highest level among the messages.
func (b Batch) MaxLevel() Level {
	max := LevelInfo
	for _, m := range b.Messages {
		if m.Level > max {
			max = m.Level
		}
	}
	return max
}

// Sink delivers a batch somewhere.
type Sink interface {
	Send(ctx context.Context, b Batch) error
}

// Notifier accepts messages during a run and flushes them at the end.
type Notifier interface {
	Notify(level Level, msg string)
	Summary(line string)
	SendAll(ctx context.Context) error
}

var _ Notifier = (*Queue)(nil)

// Queue is a Notifier that buffers messages in memory. It is safe for
// concurrent use.
type Queue struct {
	mu       sync.Mutex
	title    string
	sinks    []Sink
	messages []Message
	summary  []string
	now      func() time.Time
}

// NewQueue creates a queue that flushes to sinks under title.
func NewQueue(title string, sinks ...Sink) *Queue {
	return &Queue{title: title, sinks: sinks, now: time.Now}
}

// Notify queues a leveled message.
func (q *Queue) Notify(level Level, msg string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, Message{Level: level, Text: msg, Time: q.now()})
}

// Notifyf queues a formatted message.
func (q *Queue) Notifyf(level Level, format string, args ...any) {
	q.Notify(level, fmt.Sprintf(format, args...))
}

// Summary queues a line for the end-of-run summary block.
func (q *Queue) Summary(line string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.summary = append(q.summary, line)
}

// Len returns the number of queued messages and summary lines.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages) + len(q.summary)
}

// SendAll drains the queue and hands the batch to every sink. The queue is
// emptied before sending, so a second call sends nothing new. Sink errors
// are joined; one failing sink does not stop the others.
func (q *Queue) SendAll(ctx context.Context) error {
	q.mu.Lock()
	b := Batch{Title: q.title, Messages: q.messages, Summary: q.summary}
	q.messages, q.summary = nil, nil
	q.mu.Unlock()

	if b.Empty() {
		return nil
	}
	var errs []error
	for _, s := range q.sinks {
		if err := s.Send(ctx, b); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Render formats a batch as plain text, messages first, then the summary.
func Render(b Batch) string {
	var sb strings.Builder
	for _, m := range b.Messages {
		fmt.Fprintf(&sb, "[%s] %s\n", strings.ToUpper(m.Level.String()), m.Text)
	}
	if len(b.Summary) > 0 {
		if len(b.Messages) > 0 {
			sb.WriteByte('\n')
		}
		for _, line := range b.Summary {
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}
