package network

import "time"

const (
	dialTimeout       = 10 * time.Second
	maxFrameSize      = 1024 * 1024 // 1MB
	keepaliveInterval = 30 * time.Second
	sweepInterval     = 60 * time.Second
	staleAfter        = 5 * time.Minute
	inboundDepth      = 256
	eventDepth        = 64
	readBufSize       = 4096
)
