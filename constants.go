package ioa

import "github.com/ehrlich-b/go-ioa/internal/constants"

// Re-export constants for public API
const (
	DefaultArenaSize             = constants.DefaultArenaSize
	DefaultErrorLogListeners     = constants.DefaultErrorLogListeners
	DefaultConfigChangeListeners = constants.DefaultConfigChangeListeners
	DefaultMaxResetRetries       = constants.DefaultMaxResetRetries
	DefaultMaxSGEntries          = constants.DefaultMaxSGEntries
	DefaultIOTimeout             = constants.DefaultIOTimeout
	SenseBufferSize              = constants.SenseBufferSize
)
