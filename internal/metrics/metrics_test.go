package metrics_test

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/lxc/updates-client/api"
	"github.com/lxc/updates-client/internal/metrics"
)

func TestObserveProcedure(t *testing.T) {
	t.Parallel()

	m := metrics.New(prometheus.NewRegistry())

	m.ObserveProcedure("check-for-update", 10*time.Millisecond, nil)
	m.ObserveProcedure("check-for-update", 20*time.Millisecond, nil)
	m.ObserveProcedure("fetch-update", time.Second, errors.New("disk full"))

	require.InDelta(t, 2, testutil.ToFloat64(m.Procedures.WithLabelValues("check-for-update", "success")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.Procedures.WithLabelValues("fetch-update", "error")), 0)
	require.Equal(t, 2, testutil.CollectAndCount(m.ProcedureDuration))
}

func TestListen(t *testing.T) {
	t.Parallel()

	m := metrics.New(prometheus.NewRegistry())

	m.Listen(api.StateChangeEvent{Type: api.StateEventCheck, State: api.UpdatesStateChecking})
	require.InDelta(t, 1, testutil.ToFloat64(m.State.WithLabelValues("checking")), 0)
	require.InDelta(t, 0, testutil.ToFloat64(m.State.WithLabelValues("idle")), 0)

	m.Listen(api.StateChangeEvent{Type: api.StateEventCheckError, State: api.UpdatesStateIdle})
	require.InDelta(t, 0, testutil.ToFloat64(m.State.WithLabelValues("checking")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.State.WithLabelValues("idle")), 0)

	m.Listen(api.StateChangeEvent{Type: api.StateEventReset, State: api.UpdatesStateIdle, Context: api.UpdatesStateContext{RestartCount: 2}})
	require.InDelta(t, 1, testutil.ToFloat64(m.StateEvents.WithLabelValues("check")), 0)
	require.InDelta(t, 2, testutil.ToFloat64(m.RestartCount), 0)
}
