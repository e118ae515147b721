//go:build linux

package monitor

import (
	"context"
	"fmt"
	"os"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/crash"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/ipc"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/logging"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/store"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/threads"
)

// Main runs the monitor over the descriptors inherited from crash.Start.
func Main(ctx context.Context, s Settings, logger *logging.Logger) error {
	ch, err := Inherited()
	if err != nil {
		return err
	}
	st, err := store.Open(s.CrashDir, s.MaxFiles, logger.Logger)
	if err != nil {
		return err
	}
	m := New(s, st, nil, logger)
	tracer := threads.NewTracer(m.settings.PID, logger.Logger)
	defer tracer.Close()
	m.insp = tracer
	return m.Run(ctx, ch)
}

// Inherited wraps the descriptors passed by crash.Start.
func Inherited() (Channels, error) {
	notify, err := ipc.Conn(os.NewFile(crash.NotifyFD, "crash-notify"))
	if err != nil {
		return Channels{}, fmt.Errorf("notification channel: %w", err)
	}
	control, err := ipc.Conn(os.NewFile(crash.ControlFD, "crash-control"))
	if err != nil {
		notify.Close()
		return Channels{}, fmt.Errorf("control channel: %w", err)
	}
	return Channels{
		Notify:      notify,
		Control:     control,
		CrashOutput: os.NewFile(crash.CrashOutputFD, "crash-output"),
	}, nil
}
