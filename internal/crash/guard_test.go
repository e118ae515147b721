package crash

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewGuardCountsAndRepanics(t *testing.T) {
	panics := prometheus.NewCounter(prometheus.CounterOpts{Name: "panics_total"})
	guard := NewGuard(nil, panics)

	var repanicked any
	func() {
		defer func() { repanicked = recover() }()
		defer guard()
		panic("boom")
	}()
	assert.Equal(t, "boom", repanicked)
	assert.Equal(t, 1.0, testutil.ToFloat64(panics))

	func() {
		defer guard()
	}()
	assert.Equal(t, 1.0, testutil.ToFloat64(panics), "normal return is not a panic")
}

func TestNewGuardWithoutCounter(t *testing.T) {
	guard := NewGuard(nil, nil)
	assert.PanicsWithValue(t, "boom", func() {
		defer guard()
		panic("boom")
	})
}
