//go:build !unix

package procmetrics

// ReadRusage is not available on this platform.
func ReadRusage() (Rusage, bool) {
	return Rusage{}, false
}
