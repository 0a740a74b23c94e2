package utils

import (
	"context"
	"encoding/json"
	"fmt"
)

// Ptr returns a pointer to v — shorthand for the address-of-literal
// pattern used throughout provider option and telemetry construction.
func Ptr[T any](v T) *T {
	return &v
}

// Go launches fn in a new goroutine, recovering a panic into a log line
// rather than crashing the process. Callers that need the panic to
// propagate should not use this helper; it exists for the fire-and-forget
// per-connection pumps (grpc reader, output writer, provider callback
// pumps) where one goroutine dying silently is worse than a log line.
func Go(ctx context.Context, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				fmt.Printf("panic recovered in utils.Go: %v\n", r)
			}
		}()
		select {
		case <-ctx.Done():
			return
		default:
		}
		fn()
	}()
}

// ToJson renders v as a compact JSON string, swallowing marshal errors
// into a fixed placeholder — used only for log lines, never for wire data.
func ToJson(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "<unmarshalable>"
	}
	return string(b)
}

// GetVersionString formats a provider/assistant version identifier the
// way telemetry and definitions expect it.
func GetVersionString(id uint64) string {
	return fmt.Sprintf("v%d", id)
}
