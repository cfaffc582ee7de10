package events

import "time"

const (
	// Clients only send hello, so frames stay small.
	maxFrameBytes = 8 << 10

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection inbound events per window.
	rateLimitEvents = 20
	rateLimitWindow = 10 * time.Second
)
