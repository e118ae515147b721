//go:build unix

package procmetrics

import "golang.org/x/sys/unix"

// ReadRusage returns resource usage of the whole process.
func ReadRusage() (Rusage, bool) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return Rusage{}, false
	}
	return Rusage{
		UserSeconds:   float64(ru.Utime.Nano()) / 1e9,
		SystemSeconds: float64(ru.Stime.Nano()) / 1e9,
		BlocksRead:    float64(ru.Inblock),
		BlocksWritten: float64(ru.Oublock),
	}, true
}
