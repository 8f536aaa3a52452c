package onic

import "github.com/ehrlich-b/go-onic/internal/constants"

// Re-export constants for public API
const (
	DefaultNumQueues       = constants.DefaultNumQueues
	HardwarePageSize       = constants.HardwarePageSize
	MaxQueues              = constants.MaxQueues
	DefaultDeviceName      = constants.DefaultDeviceName
	DefaultMemorySize      = constants.DefaultMemorySize
	DefaultTransferTimeout = constants.DefaultTransferTimeout
)
