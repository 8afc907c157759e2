package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetalerts/internal/alerts"
	"fleetalerts/internal/config"
	"fleetalerts/internal/engine"
	"fleetalerts/internal/model"
	"fleetalerts/internal/notify"
	"fleetalerts/internal/pipeline"
	"fleetalerts/internal/vehicles"
)

type fakeEngine struct {
	active []model.Alert
	err    error
	acked  []string
	resets int
}

func (f *fakeEngine) ActiveAlerts(context.Context, int) ([]model.Alert, error) {
	return append([]model.Alert(nil), f.active...), f.err
}

func (f *fakeEngine) Acknowledge(_ context.Context, id string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	for _, a := range f.active {
		if a.ID == id {
			f.acked = append(f.acked, id)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeEngine) Stats() engine.Stats { return engine.Stats{CacheSize: 3, AlertsCreated: 7} }

func (f *fakeEngine) Reset() { f.resets++ }

type fakeQueue struct{}

func (fakeQueue) Stats() pipeline.Stats { return pipeline.Stats{Accepted: 10, Dropped: 1, Workers: 2} }

func newTestServer(t *testing.T) (*fakeEngine, Deps, http.Handler) {
	t.Helper()
	eng := &fakeEngine{active: []model.Alert{
		{ID: "a1", VehicleID: "EV1", Type: model.AlertLowBattery, Severity: model.SeverityWarning},
		{ID: "a2", VehicleID: "EV2", Type: model.AlertHighTemperature, Severity: model.SeverityCritical},
	}}
	deps := Deps{
		Engine:      eng,
		Escalations: notify.NewEscalationSet(),
		Alerts:      alerts.NewStore(10),
		Vehicles:    vehicles.NewStore(10),
		Queue:       fakeQueue{},
	}
	srv := NewServer(config.NewStaticManager(config.DefaultConfig()), deps, nil, "test")
	return eng, deps, srv.Handler()
}

func do(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
	var out map[string]any
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func TestHealthAndStats(t *testing.T) {
	_, _, h := newTestServer(t)
	rec, body := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	rec, body = do(t, h, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 7.0, body["engine"].(map[string]any)["alerts_created"])
	assert.Equal(t, 1.0, body["pipeline"].(map[string]any)["dropped"])

	rec, body = do(t, h, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sqlite", body["storage"])
	assert.Equal(t, true, body["ingest"].(map[string]any)["rest"])
}

func TestActiveAlertsAndFilter(t *testing.T) {
	eng, _, h := newTestServer(t)
	rec, body := do(t, h, http.MethodGet, "/alerts/active", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2.0, body["count"])

	_, body = do(t, h, http.MethodGet, "/alerts/active?vehicle_id=EV2", "")
	assert.Equal(t, 1.0, body["count"])
	assert.Equal(t, "a2", body["alerts"].([]any)[0].(map[string]any)["alert_id"])

	eng.err = errors.New("store down")
	rec, _ = do(t, h, http.MethodGet, "/alerts/active", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAcknowledge(t *testing.T) {
	eng, _, h := newTestServer(t)
	rec, _ := do(t, h, http.MethodPost, "/alerts/ack", `{"alert_id":"a1"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"a1"}, eng.acked)

	rec, _ = do(t, h, http.MethodPost, "/alerts/ack", `{"alert_id":"missing"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/alerts/ack", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/alerts/ack", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRecentAlertEvents(t *testing.T) {
	_, deps, h := newTestServer(t)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	deps.Alerts.Record(model.EventCreated, model.Alert{ID: "a1", VehicleID: "EV1"}, at)
	deps.Alerts.Record(model.EventCreated, model.Alert{ID: "a2", VehicleID: "EV2"}, at.Add(time.Minute))

	_, body := do(t, h, http.MethodGet, "/alerts", "")
	assert.Equal(t, 2.0, body["count"])
	_, body = do(t, h, http.MethodGet, "/alerts?vehicle_id=EV2", "")
	assert.Equal(t, 1.0, body["count"])
	_, body = do(t, h, http.MethodGet, "/alerts?since=2024-05-01T12:00:30Z", "")
	assert.Equal(t, 1.0, body["count"])
	rec, _ := do(t, h, http.MethodGet, "/alerts?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVehicles(t *testing.T) {
	_, deps, h := newTestServer(t)
	soc := 42.0
	deps.Vehicles.Update(model.Telemetry{VehicleID: "EV1", SOC: &soc, Timestamp: time.Now().UTC()})

	_, body := do(t, h, http.MethodGet, "/vehicles", "")
	assert.Equal(t, 1.0, body["count"])

	rec, body := do(t, h, http.MethodGet, "/vehicles/EV1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 42.0, body["telemetry"].(map[string]any)["soc"])
	assert.Equal(t, false, body["escalated"])

	rec, _ = do(t, h, http.MethodGet, "/vehicles/EV9", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEscalations(t *testing.T) {
	_, deps, h := newTestServer(t)
	deps.Escalations.IsNewlyCriticalVehicle("EV1", model.SeverityCritical)
	deps.Escalations.IsNewlyCriticalVehicle("EV2", model.SeverityCritical)

	_, body := do(t, h, http.MethodGet, "/escalations", "")
	assert.Equal(t, []any{"EV1", "EV2"}, body["vehicles"])

	rec, _ := do(t, h, http.MethodDelete, "/escalations?vehicle_id=EV1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, h, http.MethodDelete, "/escalations?vehicle_id=EV1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, body = do(t, h, http.MethodDelete, "/escalations", "")
	assert.Equal(t, 1.0, body["cleared"])
	assert.Empty(t, deps.Escalations.List())
}

func TestAdminClear(t *testing.T) {
	eng, deps, h := newTestServer(t)
	deps.Vehicles.Update(model.Telemetry{VehicleID: "EV1", Timestamp: time.Now().UTC()})

	rec, _ := do(t, h, http.MethodPost, "/admin/clear", `{"target":"vehicles"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, deps.Vehicles.Len())
	assert.Equal(t, 0, eng.resets)

	rec, _ = do(t, h, http.MethodPost, "/admin/clear", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, eng.resets)

	rec, _ = do(t, h, http.MethodPost, "/admin/clear", `{"target":"everything"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
