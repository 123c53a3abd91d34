package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Records returned for one history request.
	historyLimit = 100
)

const (
	// Heartbeat defaults.
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second
	maxPingFailures   = 3

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second

	defaultSendQueue    = 256
	minSendQueue        = 32
	defaultWriteTimeout = 5 * time.Second

	// Appends outlive the connection that triggered them, up to this long.
	defaultPersistTimeout = 5 * time.Second
)
