package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"fleetalerts/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func soc(v float64) *float64 { return &v }

func TestDispatcherKeepsPerVehicleOrder(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string][]float64)
	d := New(4, 400, func(_ context.Context, t model.Telemetry) {
		mu.Lock()
		seen[t.VehicleID] = append(seen[t.VehicleID], *t.SOC)
		mu.Unlock()
	}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	vehicles := []string{"EV1", "EV2", "EV3", "EV4", "EV5"}
	for i := 0; i < 20; i++ {
		for _, v := range vehicles {
			require.True(t, d.Submit(ctx, model.Telemetry{VehicleID: v, SOC: soc(float64(i))}))
		}
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		total := 0
		for _, s := range seen {
			total += len(s)
		}
		return total == 100
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	for _, v := range vehicles {
		got := seen[v]
		require.Len(t, got, 20)
		for i := range got {
			assert.Equal(t, float64(i), got[i], "vehicle %s out of order", v)
		}
	}
	assert.Equal(t, uint64(100), d.Stats().Accepted)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	d := New(1, 2, func(context.Context, model.Telemetry) {}, nil, nil)
	ctx := context.Background()
	assert.True(t, d.Submit(ctx, model.Telemetry{VehicleID: "EV1"}))
	assert.True(t, d.Submit(ctx, model.Telemetry{VehicleID: "EV1"}))
	assert.False(t, d.Submit(ctx, model.Telemetry{VehicleID: "EV1"}))

	st := d.Stats()
	assert.Equal(t, uint64(2), st.Accepted)
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Equal(t, 2, st.Queued)
}

func TestDispatcherSurvivesHandlerPanic(t *testing.T) {
	handled := make(chan string, 2)
	d := New(1, 4, func(_ context.Context, t model.Telemetry) {
		if t.VehicleID == "bad" {
			panic("boom")
		}
		handled <- t.VehicleID
	}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	d.Submit(ctx, model.Telemetry{VehicleID: "bad"})
	d.Submit(ctx, model.Telemetry{VehicleID: "EV1"})
	select {
	case id := <-handled:
		assert.Equal(t, "EV1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("worker stopped after panic")
	}
	cancel()
	require.NoError(t, <-done)
}

func TestSubmitAfterCancel(t *testing.T) {
	d := New(1, 4, func(context.Context, model.Telemetry) {}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, d.Submit(ctx, model.Telemetry{VehicleID: "EV1"}))
}
