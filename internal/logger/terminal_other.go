//go:build !linux && !darwin && !windows

package logger

// isTerminal conservatively reports false on platforms without detection.
func isTerminal(uintptr) bool { return false }
