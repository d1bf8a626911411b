package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	m := New()

	m.Registered()
	m.Registered()
	m.Step("email", false)
	m.Attribution("existing", "self_referral")
	m.Payout(true)
	m.Payout(false)
	m.Export("xlsx", true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.registrations))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.steps.WithLabelValues("email", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attributions.WithLabelValues("existing", "self_referral")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.payouts.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.payouts.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exports.WithLabelValues("xlsx", "ok")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Registered()
		m.Step("name", true)
		m.Attribution("new", "attributed")
		m.Payout(true)
		m.Export("sheets", false)
	})
}
