package protocol

// Allocation limits applied while decoding untrusted input.
const (
	// MaxMessageSize is the largest encoded message accepted (1 MiB).
	MaxMessageSize = 1 << 20

	// MaxEventsPerMessage bounds the events in one message.
	MaxEventsPerMessage = 4096
)
