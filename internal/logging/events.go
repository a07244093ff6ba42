package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Event names emitted by the engine
const (
	EventSignal          = "signal_generated"
	EventOrderTransition = "order_transition"
	EventDiscrepancy     = "reconciliation_discrepancy"
	EventPhaseChange     = "phase_change"
	EventDataGap         = "data_gap"
	EventRetryScheduled  = "retry_scheduled"
	EventPairDeactivated = "pair_deactivated"
	EventUnbalancedPair  = "unbalanced_pair"
	EventMarketDropped   = "market_event_dropped"
	EventFill            = "fill_applied"
)

// Event is one structured occurrence
type Event struct {
	Name   string
	Fields []zap.Field
}

// NewEvent is shorthand for Event{Name: name, Fields: fields}
func NewEvent(name string, fields ...zap.Field) Event {
	return Event{Name: name, Fields: fields}
}

// Sink receives structured events
type Sink interface {
	Emit(level zapcore.Level, ev Event)
}

// ZapSink writes events to a zap logger with the event name as the message
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink wraps logger
func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger.With(zap.String("component", "events"))}
}

// Emit implements Sink
func (s *ZapSink) Emit(level zapcore.Level, ev Event) {
	if ce := s.logger.Check(level, ev.Name); ce != nil {
		fields := make([]zap.Field, 0, len(ev.Fields)+1)
		fields = append(fields, ev.Fields...)
		ce.Write(append(fields, zap.String("event", ev.Name))...)
	}
}

type multiSink []Sink

func (m multiSink) Emit(level zapcore.Level, ev Event) {
	for _, s := range m {
		s.Emit(level, ev)
	}
}

// Multi fans events out to every non-nil sink
func Multi(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Nop discards events
var Nop Sink = multiSink(nil)

// Recorded is an event captured by Recorder
type Recorded struct {
	Level zapcore.Level
	Event Event
}

// Recorder keeps every emitted event in memory
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
}

// Emit implements Sink
func (r *Recorder) Emit(level zapcore.Level, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Recorded{Level: level, Event: ev})
}

// Events returns a copy of the captured events
func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Recorded, len(r.events))
	copy(out, r.events)
	return out
}

// Named returns captured events with the given name
func (r *Recorder) Named(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, rec := range r.events {
		if rec.Event.Name == name {
			out = append(out, rec.Event)
		}
	}
	return out
}

// Field returns the string value of the named field, if present
func (e Event) Field(key string) (string, bool) {
	for _, f := range e.Fields {
		if f.Key != key {
			continue
		}
		switch f.Type {
		case zapcore.StringType:
			return f.String, true
		case zapcore.StringerType:
			if s, ok := f.Interface.(interface{ String() string }); ok {
				return s.String(), true
			}
		}
		return "", true
	}
	return "", false
}
