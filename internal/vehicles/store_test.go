package vehicles

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetalerts/internal/model"
)

func f(v float64) *float64 { return &v }

func TestUpdateKeepsNewest(t *testing.T) {
	s := NewStore(10)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.Update(model.Telemetry{VehicleID: "EV1", Timestamp: base.Add(time.Second), SOC: f(40)})
	s.Update(model.Telemetry{VehicleID: "EV1", Timestamp: base, SOC: f(90)})
	s.Update(model.Telemetry{VehicleID: "", Timestamp: base})

	got, _, ok := s.Get("EV1")
	require.True(t, ok)
	assert.Equal(t, 40.0, *got.SOC)
	assert.Equal(t, 1, s.Len())
}

func TestEvictsLeastRecentlyUpdated(t *testing.T) {
	s := NewStore(2)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.Update(model.Telemetry{VehicleID: "EV1", Timestamp: base})
	time.Sleep(2 * time.Millisecond)
	s.Update(model.Telemetry{VehicleID: "EV2", Timestamp: base})
	time.Sleep(2 * time.Millisecond)
	s.Update(model.Telemetry{VehicleID: "EV3", Timestamp: base})

	all := s.GetAll()
	require.Len(t, all, 2)
	assert.Equal(t, "EV2", all[0].VehicleID)
	assert.Equal(t, "EV3", all[1].VehicleID)

	s.Clear()
	assert.Equal(t, 0, s.Len())
}
