package monitor

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Severity of an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one operator-facing notice derived from an internal event.
type Alert struct {
	Severity Severity  `json:"severity"`
	Source   string    `json:"source"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(a Alert) error
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Send(a Alert) error {
	fields := []zap.Field{zap.String("source", a.Source), zap.Time("at", a.At)}
	switch a.Severity {
	case SeverityCritical:
		s.Logger.Error(a.Message, fields...)
	case SeverityWarning:
		s.Logger.Warn(a.Message, fields...)
	default:
		s.Logger.Info(a.Message, fields...)
	}
	return nil
}

// Recent keeps the last n alerts in memory for the status resource.
type Recent struct {
	mu    sync.Mutex
	n     int
	items []Alert
}

func NewRecent(n int) *Recent {
	if n <= 0 {
		n = 50
	}
	return &Recent{n: n}
}

func (r *Recent) Send(a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, a)
	if len(r.items) > r.n {
		r.items = r.items[len(r.items)-r.n:]
	}
	return nil
}

// List returns the retained alerts, oldest first.
func (r *Recent) List() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.items...)
}
