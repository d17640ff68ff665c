//go:build !linux

package isolation

import "log/slog"

// NewIsolator returns the platform-appropriate Isolator. Off Linux only the
// timeout can be enforced.
func NewIsolator() (Isolator, error) {
	slog.Warn("isolation: no kernel isolation on this platform, using timeout-only fallback")
	return NewFallbackIsolator(), nil
}
