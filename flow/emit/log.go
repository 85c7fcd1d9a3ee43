package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// LogEmitter implements Emitter by writing structured log output to a writer.
//
// Supports two output modes:
//   - Text mode (default): Human-readable format with key=value pairs
//   - JSON mode: Machine-readable JSONL, one event per line
//
// Example text output:
//
//	[info/claim] worker=worker-1 task=t-42 msg="task claimed"
//
// Example JSON output:
//
//	{"level":"info","category":"claim","msg":"task claimed","taskID":"t-42",...}
//
// Usage:
//
//	// Text output to stdout
//	emitter := emit.NewLogEmitter(os.Stdout, false)
//
//	// JSON output to file
//	f, _ := os.Create("events.jsonl")
//	defer f.Close()
//	emitter := emit.NewLogEmitter(f, true)
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a new LogEmitter.
//
// Parameters:
//   - writer: Where to write the output (nil defaults to os.Stdout)
//   - jsonMode: If true, emit JSONL; if false, emit text
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit writes an event to the configured writer.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		Level          Level          `json:"level"`
		Category       Category       `json:"category"`
		Msg            string         `json:"msg"`
		InstanceID     string         `json:"instanceID,omitempty"`
		NodeInstanceID string         `json:"nodeInstanceID,omitempty"`
		TaskID         string         `json:"taskID,omitempty"`
		WorkerID       string         `json:"workerID,omitempty"`
		Time           time.Time      `json:"time"`
		Meta           map[string]any `json:"meta,omitempty"`
	}{
		Level:          event.Level,
		Category:       event.Category,
		Msg:            event.Msg,
		InstanceID:     event.InstanceID,
		NodeInstanceID: event.NodeInstanceID,
		TaskID:         event.TaskID,
		WorkerID:       event.WorkerID,
		Time:           event.Time,
		Meta:           event.Meta,
	})
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s/%s] worker=%s", event.Level, event.Category, event.WorkerID)
	if event.InstanceID != "" {
		fmt.Fprintf(l.writer, " instance=%s", event.InstanceID)
	}
	if event.TaskID != "" {
		fmt.Fprintf(l.writer, " task=%s", event.TaskID)
	}
	fmt.Fprintf(l.writer, " msg=%q", event.Msg)

	if len(event.Meta) > 0 {
		if metaJSON, err := json.Marshal(event.Meta); err == nil {
			fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}
	fmt.Fprint(l.writer, "\n")
}
