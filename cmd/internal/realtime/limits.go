package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame or SSE request body.
	maxFrameBytes = 64 << 10 // 64 KiB

	// Session titles are the first titleRunes of the opening message.
	titleRunes = 60

	defaultHistoryLimit = 50
	maxHistoryLimit     = 500

	// Prior messages handed to the model as context.
	contextMessages = 20
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (submits per window).
	rateLimitEvents = 30
	rateLimitWindow = 10 * time.Second
)
