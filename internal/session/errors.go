package session

import (
	"context"
	"errors"
	"net"
)

// Code identifies an error class on the wire.
type Code string

const (
	CodeProviderTimeout Code = "provider_timeout"
	CodeProviderError   Code = "provider_error"
	CodeAudioOverflow   Code = "audio_overflow"
	CodeProtocolError   Code = "protocol_error"
	CodeSessionCanceled Code = "session_canceled"
)

// Classify maps a turn error to its wire code. Deadline and network
// timeouts report as provider timeouts; plain cancellation means the
// session itself was torn down mid-turn.
func Classify(err error) Code {
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeProviderTimeout
	}
	if errors.Is(err, context.Canceled) {
		return CodeSessionCanceled
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return CodeProviderTimeout
	}
	return CodeProviderError
}
