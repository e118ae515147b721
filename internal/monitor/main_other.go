//go:build !linux

package monitor

import (
	"context"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/core"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/logging"
)

// Main is unsupported off Linux.
func Main(context.Context, Settings, *logging.Logger) error {
	return core.ErrUnavailable(core.CodeMonitorUnavailable, "the crash monitor only runs on linux")
}
