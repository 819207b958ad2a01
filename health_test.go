package genquota_test

import (
	"testing"
	"time"

	gq "github.com/ineyio/genquota"
	"github.com/stretchr/testify/assert"
)

func TestHealthTracker_OpensAfterThreshold(t *testing.T) {
	h := gq.NewHealthTracker(gq.WithFailureThreshold(3))

	assert.Equal(t, gq.HealthHealthy, h.Health("gen"))
	h.RecordFailure("gen")
	h.RecordFailure("gen")
	assert.Equal(t, gq.HealthHealthy, h.Health("gen"))
	h.RecordFailure("gen")
	assert.Equal(t, gq.HealthUnhealthy, h.Health("gen"))

	// Other generators are unaffected.
	assert.Equal(t, gq.HealthHealthy, h.Health("other"))
}

func TestHealthTracker_SuccessResetsFailures(t *testing.T) {
	h := gq.NewHealthTracker(gq.WithFailureThreshold(2))

	h.RecordFailure("gen")
	h.RecordSuccess("gen")
	h.RecordFailure("gen")
	assert.Equal(t, gq.HealthHealthy, h.Health("gen"))
}

func TestHealthTracker_HalfOpenProbe(t *testing.T) {
	h := gq.NewHealthTracker(gq.WithFailureThreshold(1), gq.WithCooldown(10*time.Millisecond))

	h.RecordFailure("gen")
	assert.Equal(t, gq.HealthUnhealthy, h.Health("gen"))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, gq.HealthHalfOpen, h.Health("gen"))

	// A failed probe reopens immediately.
	h.RecordFailure("gen")
	assert.Equal(t, gq.HealthUnhealthy, h.Health("gen"))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, gq.HealthHalfOpen, h.Health("gen"))
	h.RecordSuccess("gen")
	assert.Equal(t, gq.HealthHealthy, h.Health("gen"))
}

func TestHealthState_String(t *testing.T) {
	assert.Equal(t, "healthy", gq.HealthHealthy.String())
	assert.Equal(t, "unhealthy", gq.HealthUnhealthy.String())
	assert.Equal(t, "half-open", gq.HealthHalfOpen.String())
	assert.Equal(t, "unknown", gq.HealthState(42).String())
}
