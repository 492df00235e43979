package pipeline

import (
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

// Level is the severity of a notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is a user-facing message. Details holds extra lines such as
// per-field validation messages.
type Notification struct {
	Level   Level
	Title   string
	Message string
	Details []string
	Status  int
}

// Notifier shows notifications to the operator. Implementations must not block.
type Notifier interface {
	Notify(Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// LogNotifier writes notifications to a zap logger.
type LogNotifier struct {
	Logger *zap.Logger
}

func (l LogNotifier) Notify(n Notification) {
	logger := l.Logger
	if logger == nil {
		return
	}
	fields := []zap.Field{zap.String("title", n.Title), zap.Strings("details", n.Details)}
	if n.Status > 0 {
		fields = append(fields, zap.Int("status", n.Status))
	}
	switch n.Level {
	case LevelError:
		logger.Error(n.Message, fields...)
	case LevelWarning:
		logger.Warn(n.Message, fields...)
	default:
		logger.Info(n.Message, fields...)
	}
}

// WriterNotifier prints notifications as short lines, one per detail.
type WriterNotifier struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterNotifier(w io.Writer) *WriterNotifier {
	return &WriterNotifier{w: w}
}

func (p *WriterNotifier) Notify(n Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()

	icon := "ℹ"
	switch n.Level {
	case LevelError:
		icon = "✖"
	case LevelWarning:
		icon = "⚠"
	case LevelSuccess:
		icon = "✔"
	}
	fmt.Fprintf(p.w, "%s %s\n", icon, n.Message)
	for _, d := range n.Details {
		fmt.Fprintf(p.w, "  - %s\n", d)
	}
}
