package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManager_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewManager(reg)

	m.SessionsStarted.Inc()
	m.SessionsFinished.WithLabelValues("success").Inc()
	m.ProtocolErrors.WithLabelValues("malformed").Add(2)
	m.ActiveSession.Set(1)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["tankapi_sessions_started_total"])
	assert.True(t, names["tankapi_sessions_finished_total"])
	assert.True(t, names["tankapi_protocol_errors_total"])
	assert.True(t, names["tankapi_active_session"])

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsStarted))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ProtocolErrors.WithLabelValues("malformed")))
}

func TestNewManager_Unregistered(t *testing.T) {
	m := NewManager(nil)
	m.UnexpectedExits.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UnexpectedExits))
}
