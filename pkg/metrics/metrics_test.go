package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestDisabledCollectorIsNoop(t *testing.T) {
	var nilCollector *Collector
	assert.NotPanics(t, func() {
		nilCollector.CallStarted("outgoing")
		nilCollector.WatchdogExpired()
		New(Config{}).HostEnsured("created")
	})
	assert.Nil(t, nilCollector.Registry())
}

func TestCallCounters(t *testing.T) {
	c := New(DefaultConfig())

	c.CallStarted("outgoing")
	assert.Equal(t, 1.0, testutil.ToFloat64(c.callsActive))
	c.CallFinished("ended")
	assert.Equal(t, 0.0, testutil.ToFloat64(c.callsActive))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.callsTotal.WithLabelValues("outgoing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.callsFinished.WithLabelValues("ended")))
}

func TestWatchdogAndEnsure(t *testing.T) {
	c := New(DefaultConfig())

	c.WatchdogExpired()
	c.WatchdogExpired()
	c.HostEnsured("created")
	c.LivenessObserved(20 * time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.watchdogExpiries))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.hostEnsures.WithLabelValues("created")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.heartbeatAge))
}
