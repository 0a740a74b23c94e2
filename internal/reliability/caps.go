package reliability

import (
	"sync/atomic"
)

// Caps enforces the local resource limits applied at the edge of a
// session: max request text size, max concurrent in-flight TTS requests,
// and max audio-buffer bytes per ring. Exceeding any cap returns a
// terminal ResourceLimit error for that one call — the session continues.
type Caps struct {
	MaxRequestTextBytes int
	MaxConcurrentTTS    int
	MaxRingBufferBytes  int

	inFlightTTS atomic.Int64
}

// DefaultCaps returns conservative defaults: 50KB of request text, 4
// concurrent in-flight TTS requests per session, 3.2MB of ring buffer
// bytes (matching the teacher's 3200-byte-threshold-scaled buffer sizing
// for a several-second audio cushion).
func DefaultCaps() *Caps {
	return &Caps{
		MaxRequestTextBytes: 50 * 1024,
		MaxConcurrentTTS:    4,
		MaxRingBufferBytes:  3200 * 1000,
	}
}

// CheckRequestText enforces MaxRequestTextBytes against a candidate TTS
// request's text length.
func (c *Caps) CheckRequestText(provider string, textLen int) *Error {
	if textLen > c.MaxRequestTextBytes {
		return New(KindResourceLimit, provider, "request text exceeds configured size cap")
	}
	return nil
}

// Realtime duplex (C7, spec §6) hard size limits. Unlike Caps' other
// fields these are not configurable per session — the spec states them
// as fixed wire-level ceilings on the realtime control surface.
const (
	MaxRealtimeInstructionsBytes = 100 * 1024
	MaxRealtimeTextBytes         = 50 * 1024
	MaxRealtimeFunctionResultBytes = 100 * 1024
)

// CheckRealtimeInstructions enforces the fixed 100KB instructions limit.
func CheckRealtimeInstructions(provider string, n int) *Error {
	if n > MaxRealtimeInstructionsBytes {
		return New(KindResourceLimit, provider, "instructions exceed 100KB limit")
	}
	return nil
}

// CheckRealtimeText enforces the fixed 50KB inbound text limit.
func CheckRealtimeText(provider string, n int) *Error {
	if n > MaxRealtimeTextBytes {
		return New(KindResourceLimit, provider, "inbound text exceeds 50KB limit")
	}
	return nil
}

// CheckRealtimeFunctionResult enforces the fixed 100KB function-result
// limit.
func CheckRealtimeFunctionResult(provider string, n int) *Error {
	if n > MaxRealtimeFunctionResultBytes {
		return New(KindResourceLimit, provider, "function result exceeds 100KB limit")
	}
	return nil
}

// AcquireTTSSlot reserves one of MaxConcurrentTTS in-flight slots. The
// caller must call ReleaseTTSSlot exactly once per successful acquire,
// typically via defer.
func (c *Caps) AcquireTTSSlot(provider string) *Error {
	for {
		cur := c.inFlightTTS.Load()
		if int(cur) >= c.MaxConcurrentTTS {
			return New(KindResourceLimit, provider, "max concurrent in-flight TTS requests reached")
		}
		if c.inFlightTTS.CompareAndSwap(cur, cur+1) {
			return nil
		}
	}
}

// ReleaseTTSSlot releases a previously acquired in-flight TTS slot.
func (c *Caps) ReleaseTTSSlot() {
	c.inFlightTTS.Add(-1)
}

// CheckRingBufferBytes enforces MaxRingBufferBytes against a ring's
// current buffered byte count plus an incoming frame's size.
func (c *Caps) CheckRingBufferBytes(provider string, currentBytes, incomingBytes int) *Error {
	if currentBytes+incomingBytes > c.MaxRingBufferBytes {
		return New(KindResourceLimit, provider, "ring buffer byte cap exceeded")
	}
	return nil
}
