package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// InvocationLog represents a single exported-function invocation record,
// adapted from the teacher's per-request RequestLog to the durability
// domain: instead of a cold-start/runtime FaaS invocation, each entry
// describes one worker's pass through an exported function, live or
// replayed.
type InvocationLog struct {
	Timestamp         time.Time `json:"timestamp"`
	Worker            string    `json:"worker"`
	Function          string    `json:"function"`
	IdempotencyKey    string    `json:"idempotency_key,omitempty"`
	OplogIndex        uint64    `json:"oplog_index"`
	DurationMs        int64     `json:"duration_ms"`
	Replayed          bool      `json:"replayed"`
	Success           bool      `json:"success"`
	Error             string    `json:"error,omitempty"`
	ConsecutiveErrors int       `json:"consecutive_errors,omitempty"`
	Retries           int       `json:"retries,omitempty"`
}

// Logger handles invocation logging
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultLogger = &Logger{enabled: true, console: true}

// Default returns the default logger
func Default() *Logger {
	return defaultLogger
}

// SetOutput sets the log output file
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables console output
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes an invocation log entry
func (l *Logger) Log(entry *InvocationLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	if l.console {
		status := "✓"
		if !entry.Success {
			status = "✗"
		}
		mode := "live"
		if entry.Replayed {
			mode = "replay"
		}
		retry := ""
		if entry.Retries > 0 {
			retry = fmt.Sprintf(" [retry:%d]", entry.Retries)
		}
		fmt.Printf("[invocation] %s %s %s@%d %s %dms%s\n",
			status, entry.Worker, entry.Function, entry.OplogIndex, mode, entry.DurationMs, retry)
		if entry.Error != "" {
			fmt.Printf("[invocation]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
