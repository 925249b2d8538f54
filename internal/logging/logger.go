package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// InvocationRecord is a single CALL's structured log entry: request id,
// library, function, timing, and whether the call was satisfied by an
// already-running sandbox isolate or required a cold compile.
type InvocationRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id"`
	TraceID    string    `json:"trace_id,omitempty"`
	SpanID     string    `json:"span_id,omitempty"`
	Library    string    `json:"library"`
	Function   string    `json:"function"`
	DurationMs int64     `json:"duration_ms"`
	WarmReuse  bool      `json:"warm_reuse,omitempty"`
	Async      bool      `json:"async,omitempty"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}

// Logger handles per-invocation structured logging, with simultaneous
// console (human-readable) and newline-delimited-JSON file sinks.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var invocationLogger = &Logger{enabled: true, console: true}

// Invocations returns the package-level invocation logger.
func Invocations() *Logger {
	return invocationLogger
}

// SetOutput sets the log output file.
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

// SetConsole enables/disables console output.
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes one invocation record.
func (l *Logger) Log(entry InvocationRecord) {
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
		warm := ""
		if entry.WarmReuse {
			warm = " [warm]"
		}
		async := ""
		if entry.Async {
			async = " [async]"
		}
		fmt.Printf("[invoke] %s %s %s.%s %dms%s%s\n",
			status, entry.RequestID, entry.Library, entry.Function, entry.DurationMs, warm, async)
		if entry.Error != "" {
			fmt.Printf("[invoke]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
