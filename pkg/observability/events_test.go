package observability

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarsysync/agentrunner/pkg/agentloop"
	"github.com/tarsysync/agentrunner/pkg/queue"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestRecorder_ActivationCompleted(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	r := NewRecorder(m)

	r.ActivationCompleted(agentloop.ActivationOutcome{
		Success:    true,
		TokensIn:   100,
		TokensOut:  50,
		Iterations: 3,
		Duration:   2 * time.Second,
		Model:      "claude-test",
	})

	var dm dto.Metric
	require.NoError(t, m.ActivationsTotal.WithLabelValues("true", "").Write(&dm))
	assert.Equal(t, float64(1), dm.GetCounter().GetValue())
}

type fakeDepthProvider struct {
	depths  map[queue.Priority]int64
	active  int64
	backoff int64
}

func (f *fakeDepthProvider) Depth(ctx context.Context, p queue.Priority) (int64, error) {
	return f.depths[p], nil
}

func (f *fakeDepthProvider) ActiveCount(ctx context.Context) (int64, error) { return f.active, nil }

func (f *fakeDepthProvider) BackoffCount(ctx context.Context) (int64, error) { return f.backoff, nil }

func TestQueueSampler_Sample(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	fp := &fakeDepthProvider{
		depths:  map[queue.Priority]int64{queue.PriorityHigh: 2, queue.PriorityNormal: 5, queue.PriorityLow: 1},
		active:  3,
		backoff: 1,
	}
	s := NewQueueSampler(fp, m, time.Minute)
	s.sample(context.Background())

	assert.Equal(t, float64(2), gaugeValue(t, m.QueueDepth.WithLabelValues(string(queue.PriorityHigh))))
	assert.Equal(t, float64(5), gaugeValue(t, m.QueueDepth.WithLabelValues(string(queue.PriorityNormal))))
	assert.Equal(t, float64(3), gaugeValue(t, m.ActiveCount))
	assert.Equal(t, float64(1), gaugeValue(t, m.BackoffCount))
}

type fakeLeaderChecker struct{ leader bool }

func (f *fakeLeaderChecker) IsLeader() bool { return f.leader }

func TestLeaderSampler_TransitionsUpdateGaugeAndLog(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	lc := &fakeLeaderChecker{leader: false}
	s := NewLeaderSampler(lc, m, nil, time.Minute)

	s.sample(context.Background())
	assert.Equal(t, float64(0), gaugeValue(t, m.IsLeader))

	lc.leader = true
	s.sample(context.Background())
	assert.Equal(t, float64(1), gaugeValue(t, m.IsLeader))

	lc.leader = false
	s.sample(context.Background())
	assert.Equal(t, float64(0), gaugeValue(t, m.IsLeader))
}
