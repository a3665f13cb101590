// Package progress contains the best-effort progress notifications sent while
// steps are applied.
package progress

import (
	"fmt"
	"log/slog"
	"time"

	"go.hackfix.me/dictstep/step"
)

// Kind is the type of a progress event.
type Kind int

// Valid event kinds.
const (
	RunStarted Kind = iota
	StepStarted
	StepApplied
	StepMessage
	RunCommitted
	RunRolledBack
)

func (k Kind) String() string {
	switch k {
	case RunStarted:
		return "run_started"
	case StepStarted:
		return "step_started"
	case StepApplied:
		return "step_applied"
	case StepMessage:
		return "step_message"
	case RunCommitted:
		return "run_committed"
	case RunRolledBack:
		return "run_rolled_back"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Event is a single progress notification. Step and Index are only set for
// step events. Index is zero-based.
type Event struct {
	Kind    Kind
	RunID   string
	Step    step.Key
	Index   int
	Total   int
	Message string
	Time    time.Time
}

// Sink receives progress events. Implementations must not block for long.
type Sink interface {
	Notify(ev Event)
}

// SinkFunc is an adapter that allows using a plain function as a Sink.
type SinkFunc func(ev Event)

// Notify calls f(ev).
func (f SinkFunc) Notify(ev Event) {
	f(ev)
}

// Nop is a Sink that discards all events.
var Nop Sink = SinkFunc(func(Event) {})

// Notify sends ev to s. Panics raised by the sink are recovered and ignored.
func Notify(s Sink, ev Event) {
	if s == nil {
		return
	}
	defer func() { _ = recover() }()
	s.Notify(ev)
}

// Log returns a Sink that writes events to logger at the DEBUG level, except
// for step messages, which are logged at the INFO level.
func Log(logger *slog.Logger) Sink {
	return SinkFunc(func(ev Event) {
		args := []any{"event", ev.Kind.String()}
		if ev.RunID != "" {
			args = append(args, "run_id", ev.RunID)
		}
		if ev.Step.Name != "" {
			args = append(args, "step", ev.Step.String(), "index", ev.Index+1, "total", ev.Total)
		}

		if ev.Kind == StepMessage {
			logger.Info(ev.Message, args...)
			return
		}
		msg := ev.Message
		if msg == "" {
			msg = "migration progress"
		}
		logger.Debug(msg, args...)
	})
}

// Multi returns a Sink that forwards events to all sinks.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(ev Event) {
		for _, s := range sinks {
			Notify(s, ev)
		}
	})
}
