//go:build !windows

package windows

import (
	"fmt"
	"log"
	"os"
)

// EventLogger falls back to the standard logger on non-Windows hosts.
type EventLogger struct {
	source string
}

func NewEventLogger(source string) *EventLogger {
	return &EventLogger{source: source}
}

func (l *EventLogger) Info(eid uint32, msg string) {
	log.Printf("[INFO] %s: %s", l.source, msg)
}

func (l *EventLogger) Warning(eid uint32, msg string) {
	log.Printf("[WARN] %s: %s", l.source, msg)
}

func (l *EventLogger) Error(eid uint32, msg string) {
	fmt.Fprintf(os.Stderr, "[ERROR] %s: %s\n", l.source, msg)
}

func (l *EventLogger) Close() {}
