package engine

import "errors"

var (
	ErrJobNotFound    = errors.New("sync job not found")
	ErrOverlappingJob = errors.New("an active sync job overlaps this range")
	ErrJobNotRunning  = errors.New("sync job is not running")
	ErrJobActive      = errors.New("sync job is still active")
	ErrInvalidRange   = errors.New("invalid date range")
)

const (
	reasonRestarted = "interrupted: process restarted"
	reasonShutdown  = "interrupted: engine shutting down"
	reasonAllFailed = "every record failed processing"
	reasonCancelled = "cancelled by request"
)
