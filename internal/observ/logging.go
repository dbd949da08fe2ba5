package observ

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Level controls which events are emitted. Mirrors the LOG_LEVEL
// environment values DEBUG/INFO/WARNING/ERROR/CRITICAL.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
	LevelCritical
)

var levelNames = map[Level]string{
	LevelDebug:    "DEBUG",
	LevelInfo:     "INFO",
	LevelWarning:  "WARNING",
	LevelError:    "ERROR",
	LevelCritical: "CRITICAL",
}

var minLevel atomic.Int32

// ParseLevel maps a LOG_LEVEL string to a Level. Unknown values fall
// back to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "WARNING", "WARN":
		return LevelWarning
	case "ERROR":
		return LevelError
	case "CRITICAL":
		return LevelCritical
	default:
		return LevelInfo
	}
}

// SetLevel sets the process-wide minimum emitted level.
func SetLevel(l Level) {
	minLevel.Store(int32(l))
}

// Log emits a structured INFO event as a single JSON line on stdout.
func Log(event string, kv map[string]any) {
	logAt(LevelInfo, event, kv)
}

// Debug emits a DEBUG event.
func Debug(event string, kv map[string]any) {
	logAt(LevelDebug, event, kv)
}

// Warn emits a WARNING event.
func Warn(event string, kv map[string]any) {
	logAt(LevelWarning, event, kv)
}

// Error emits an ERROR event.
func Error(event string, kv map[string]any) {
	logAt(LevelError, event, kv)
}

func logAt(l Level, event string, kv map[string]any) {
	if int32(l) < minLevel.Load() {
		return
	}
	if kv == nil {
		kv = map[string]any{}
	}
	kv["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	kv["event"] = event
	kv["level"] = levelNames[l]
	b, _ := json.Marshal(kv)
	fmt.Println(string(b))
}
