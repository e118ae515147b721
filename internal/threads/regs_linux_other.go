//go:build linux && !amd64 && !arm64

package threads

import "github.com/hugo-lorenzo-mato/crashwarden/internal/minidump"

const regCount = 64

func contextFromRegs([]uint64) *minidump.Context { return nil }
