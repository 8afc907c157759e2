package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetalerts/internal/alerts"
	"fleetalerts/internal/broadcast"
	"fleetalerts/internal/config"
	"fleetalerts/internal/model"
	"fleetalerts/internal/notify"
	"fleetalerts/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu      sync.Mutex
	updates []broadcast.StateUpdate
}

func (r *recordingNotifier) NotifyStateChange(_ context.Context, u broadcast.StateUpdate) error {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
	return nil
}

func (r *recordingNotifier) all() []broadcast.StateUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]broadcast.StateUpdate(nil), r.updates...)
}

// countingStore wraps a real store and counts calls per operation.
type countingStore struct {
	storage.Store
	mu    sync.Mutex
	calls map[string]int
}

func (c *countingStore) count(op string) {
	c.mu.Lock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[op]++
	c.mu.Unlock()
}

func (c *countingStore) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

func (c *countingStore) FindUnresolved(ctx context.Context, key model.AlertKey, since time.Time) (*model.Alert, error) {
	c.count("find")
	return c.Store.FindUnresolved(ctx, key, since)
}

func (c *countingStore) ResolveUnresolved(ctx context.Context, key model.AlertKey, at time.Time) (int64, error) {
	c.count("resolve")
	return c.Store.ResolveUnresolved(ctx, key, at)
}

// brokenStore fails every call, or blocks until the context ends.
type brokenStore struct {
	err   error
	block bool
}

func (b brokenStore) fail(ctx context.Context) error {
	if b.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return b.err
}

func (b brokenStore) Init(ctx context.Context) error { return nil }
func (b brokenStore) Close() error                   { return nil }
func (b brokenStore) InsertAlert(ctx context.Context, _ model.Alert) error {
	return b.fail(ctx)
}
func (b brokenStore) FindUnresolved(ctx context.Context, _ model.AlertKey, _ time.Time) (*model.Alert, error) {
	return nil, b.fail(ctx)
}
func (b brokenStore) ResolveUnresolved(ctx context.Context, _ model.AlertKey, _ time.Time) (int64, error) {
	return 0, b.fail(ctx)
}
func (b brokenStore) ListUnresolved(ctx context.Context, _ int) ([]model.Alert, error) {
	return nil, b.fail(ctx)
}
func (b brokenStore) ListUnresolvedKeys(ctx context.Context) ([]model.Alert, error) {
	return nil, b.fail(ctx)
}
func (b brokenStore) Acknowledge(ctx context.Context, _ string, _ time.Time) (int64, error) {
	return 0, b.fail(ctx)
}

func newSQLite(t *testing.T) storage.Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "alerts.db") + "?_pragma=busy_timeout(5000)"
	st, err := storage.NewSQLite(dsn)
	require.NoError(t, err)
	require.NoError(t, st.Init(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testEngineConfig() config.EngineConfig {
	return config.DefaultConfig().Engine
}

func newTestEngine(t *testing.T, cfg config.EngineConfig, store storage.Store) (*Engine, *recordingNotifier, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	machine := notify.NewMachine(notify.SettingsFrom(config.DefaultConfig().Notify), nil)
	rec := &recordingNotifier{}
	eng := NewEngine(cfg, nil, store, machine, rec, alerts.NewStore(100), nil)
	eng.now = clock.Now
	return eng, rec, clock
}

func soc(vehicle string, v float64) model.Telemetry {
	return model.Telemetry{VehicleID: vehicle, SOC: &v}
}

func countActive(t *testing.T, eng *Engine, vehicle string, typ model.AlertType) int {
	t.Helper()
	list, err := eng.ActiveAlerts(context.Background(), 0)
	require.NoError(t, err)
	n := 0
	for _, a := range list {
		if a.VehicleID == vehicle && a.Type == typ {
			n++
		}
	}
	return n
}

func TestConcurrentSamplesCreateOneAlert(t *testing.T) {
	eng, _, _ := newTestEngine(t, testEngineConfig(), newSQLite(t))

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- eng.ProcessSample(context.Background(), soc("EV1", 10))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 1, countActive(t, eng, "EV1", model.AlertLowBattery))
	assert.Equal(t, uint64(1), eng.Stats().AlertsCreated)
}

func TestSOCScenario(t *testing.T) {
	eng, rec, clock := newTestEngine(t, testEngineConfig(), newSQLite(t))
	ctx := context.Background()

	for _, v := range []float64{20, 12, 11, 9, 4, 6} {
		require.NoError(t, eng.ProcessSample(ctx, soc("EV1", v)))
		clock.Advance(time.Second)
	}

	assert.Equal(t, 1, countActive(t, eng, "EV1", model.AlertLowBattery))
	assert.Equal(t, 1, countActive(t, eng, "EV1", model.AlertCriticalBattery))
	st := eng.Stats()
	assert.Equal(t, uint64(2), st.AlertsCreated)
	assert.Equal(t, uint64(0), st.AlertsResolved)

	updates := rec.all()
	require.Len(t, updates, 2)
	assert.Equal(t, model.AlertLowBattery, updates[0].Alert.AlertType)
	assert.Equal(t, notify.TransitionNew, updates[0].Transition)
	assert.False(t, updates[0].NewlyCritical)
	assert.Equal(t, model.AlertCriticalBattery, updates[1].Alert.AlertType)
	assert.Equal(t, model.SeverityCritical, updates[1].Alert.Severity)
	assert.True(t, updates[1].NewlyCritical)

	require.NoError(t, eng.ProcessSample(ctx, soc("EV1", 50)))
	assert.Equal(t, 0, countActive(t, eng, "EV1", model.AlertLowBattery))
	assert.Equal(t, 0, countActive(t, eng, "EV1", model.AlertCriticalBattery))
	assert.Equal(t, uint64(2), eng.Stats().AlertsResolved)
	assert.Equal(t, []string{"EV1"}, eng.Machine().EscalatedVehicles())
}

func TestAutoResolutionFreesSlot(t *testing.T) {
	eng, _, clock := newTestEngine(t, testEngineConfig(), newSQLite(t))
	ctx := context.Background()
	hot := func(v float64) model.Telemetry {
		return model.Telemetry{VehicleID: "EV2", MotorTemp: &v}
	}

	require.NoError(t, eng.ProcessSample(ctx, hot(95)))
	assert.Equal(t, 1, countActive(t, eng, "EV2", model.AlertHighTemperature))

	clock.Advance(time.Second)
	require.NoError(t, eng.ProcessSample(ctx, hot(70)))
	assert.Equal(t, 0, countActive(t, eng, "EV2", model.AlertHighTemperature))
	_, cached := eng.cache.Get(model.AlertKey{VehicleID: "EV2", Type: model.AlertHighTemperature})
	assert.False(t, cached)

	clock.Advance(time.Second)
	require.NoError(t, eng.ProcessSample(ctx, hot(99)))
	assert.Equal(t, 1, countActive(t, eng, "EV2", model.AlertHighTemperature))
	assert.Equal(t, uint64(2), eng.Stats().AlertsCreated)
}

func TestMissingReadingDoesNotResolve(t *testing.T) {
	eng, _, _ := newTestEngine(t, testEngineConfig(), newSQLite(t))
	ctx := context.Background()
	v := 30.0
	require.NoError(t, eng.ProcessSample(ctx, model.Telemetry{VehicleID: "EV3", BatteryVoltage: &v}))
	require.NoError(t, eng.ProcessSample(ctx, soc("EV3", 80)))
	assert.Equal(t, 1, countActive(t, eng, "EV3", model.AlertAbnormalVoltage))
}

func TestCacheHitSkipsStoreLookup(t *testing.T) {
	store := &countingStore{Store: newSQLite(t)}
	eng, _, _ := newTestEngine(t, testEngineConfig(), store)
	ctx := context.Background()

	require.NoError(t, eng.ProcessSample(ctx, soc("EV1", 10)))
	finds := store.Calls("find")
	for i := 0; i < 5; i++ {
		require.NoError(t, eng.ProcessSample(ctx, soc("EV1", 10)))
	}
	assert.Equal(t, finds, store.Calls("find"))
	st := eng.Stats()
	assert.Equal(t, uint64(5), st.CacheHits)
	assert.Equal(t, 1, st.CacheSize)
}

func TestResolutionBackoffOnCacheMiss(t *testing.T) {
	cfg := testEngineConfig()
	cfg.ResolveBackoff = 50 * time.Millisecond
	store := &countingStore{Store: newSQLite(t)}
	eng, _, clock := newTestEngine(t, cfg, store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, eng.ProcessSample(ctx, soc("EV1", 80)))
	}
	assert.Equal(t, 2, store.Calls("resolve"), "one attempt per battery alert type")

	clock.Advance(80 * time.Millisecond)
	require.NoError(t, eng.ProcessSample(ctx, soc("EV1", 80)))
	assert.Equal(t, 4, store.Calls("resolve"))
}

// flakyResolveStore fails the first n resolves of one alert type.
type flakyResolveStore struct {
	storage.Store
	typ   model.AlertType
	mu    sync.Mutex
	fails int
}

func (f *flakyResolveStore) ResolveUnresolved(ctx context.Context, key model.AlertKey, at time.Time) (int64, error) {
	f.mu.Lock()
	fail := key.Type == f.typ && f.fails > 0
	if fail {
		f.fails--
	}
	f.mu.Unlock()
	if fail {
		return 0, errors.New("connection reset")
	}
	return f.Store.ResolveUnresolved(ctx, key, at)
}

func TestFailedResolveRetriesOnNextSample(t *testing.T) {
	cfg := testEngineConfig()
	cfg.ResolveBackoff = time.Minute
	store := &flakyResolveStore{Store: newSQLite(t), typ: model.AlertLowBattery, fails: 2}
	eng, _, _ := newTestEngine(t, cfg, store)
	ctx := context.Background()

	require.NoError(t, eng.ProcessSample(ctx, soc("EV1", 10)))
	require.Equal(t, 1, countActive(t, eng, "EV1", model.AlertLowBattery))

	assert.ErrorIs(t, eng.ProcessSample(ctx, soc("EV1", 80)), ErrStoreUnavailable)
	assert.ErrorIs(t, eng.ProcessSample(ctx, soc("EV1", 80)), ErrStoreUnavailable)
	require.NoError(t, eng.ProcessSample(ctx, soc("EV1", 80)))

	assert.Equal(t, 0, countActive(t, eng, "EV1", model.AlertLowBattery))
	assert.Equal(t, uint64(1), eng.Stats().AlertsResolved)
}

func TestDuplicateInsertResyncsCache(t *testing.T) {
	store := newSQLite(t)
	eng, _, clock := newTestEngine(t, testEngineConfig(), store)
	ctx := context.Background()

	old := model.Alert{
		ID:        "old-alert",
		VehicleID: "EV1",
		Type:      model.AlertLowBattery,
		Severity:  model.SeverityWarning,
		Message:   "Low battery",
		CreatedAt: clock.Now().Add(-time.Hour),
	}
	require.NoError(t, store.InsertAlert(ctx, old))

	require.NoError(t, eng.ProcessSample(ctx, soc("EV1", 10)))
	assert.Equal(t, uint64(0), eng.Stats().AlertsCreated)
	assert.Equal(t, 1, countActive(t, eng, "EV1", model.AlertLowBattery))

	entry, err := eng.GetExistingAlert(ctx, model.AlertKey{VehicleID: "EV1", Type: model.AlertLowBattery})
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "old-alert", entry.AlertID)
}

func TestStoreFailurePropagates(t *testing.T) {
	eng, rec, _ := newTestEngine(t, testEngineConfig(), brokenStore{err: errors.New("disk gone")})

	err := eng.ProcessSample(context.Background(), soc("EV1", 10))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Contains(t, err.Error(), "disk gone")
	assert.Empty(t, rec.all())
	assert.Positive(t, eng.Stats().StoreErrors)
}

func TestStoreTimeout(t *testing.T) {
	cfg := testEngineConfig()
	cfg.StoreTimeout = 30 * time.Millisecond
	eng, _, _ := newTestEngine(t, cfg, brokenStore{block: true})

	start := time.Now()
	_, err := eng.GetExistingAlert(context.Background(), model.AlertKey{VehicleID: "EV1", Type: model.AlertLowBattery})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestResolveDropsCacheOnError(t *testing.T) {
	eng, _, _ := newTestEngine(t, testEngineConfig(), brokenStore{err: errors.New("down")})
	key := model.AlertKey{VehicleID: "EV1", Type: model.AlertLowBattery}
	eng.cache.Set(key, Entry{AlertID: "a1"}, time.Minute)

	ok, err := eng.ResolveAlert(context.Background(), key)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	_, cached := eng.cache.Get(key)
	assert.False(t, cached)
}

func TestAcknowledgeAndReset(t *testing.T) {
	eng, _, _ := newTestEngine(t, testEngineConfig(), newSQLite(t))
	ctx := context.Background()
	require.NoError(t, eng.ProcessSample(ctx, soc("EV1", 3)))

	active, err := eng.ActiveAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, active, 2)
	ok, err := eng.Acknowledge(ctx, active[0].ID)
	require.NoError(t, err)
	assert.True(t, ok)

	eng.Reset()
	assert.Equal(t, 0, eng.Stats().CacheSize)
	assert.Equal(t, 0, eng.Machine().Len())
	assert.Equal(t, 2, len(mustActive(t, eng)), "reset keeps persisted alerts")
}

func mustActive(t *testing.T, eng *Engine) []model.Alert {
	t.Helper()
	list, err := eng.ActiveAlerts(context.Background(), 0)
	require.NoError(t, err)
	return list
}

func TestRejectsSampleWithoutVehicle(t *testing.T) {
	eng, _, _ := newTestEngine(t, testEngineConfig(), newSQLite(t))
	assert.Error(t, eng.ProcessSample(context.Background(), model.Telemetry{}))
}

func TestDedupCacheExpiry(t *testing.T) {
	clock := newFakeClock()
	c := NewDedupCache(clock.Now)
	key := model.AlertKey{VehicleID: "EV1", Type: model.AlertLowBattery}
	c.Set(key, Entry{AlertID: "a1"}, 30*time.Second)
	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, "a1", got.AlertID)

	clock.Advance(29 * time.Second)
	_, ok = c.Get(key)
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.Get(key)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 0, c.Sweep())
}

func TestSummaryReportsEscalatedSeverity(t *testing.T) {
	eng, _, clock := newTestEngine(t, testEngineConfig(), newSQLite(t))
	ctx := context.Background()
	warm, hot := 90.0, 95.0

	require.NoError(t, eng.ProcessSample(ctx, model.Telemetry{VehicleID: "EV4", Temperature: &warm}))
	clock.Advance(time.Second)
	require.NoError(t, eng.ProcessSample(ctx, model.Telemetry{VehicleID: "EV4", MotorTemp: &hot}))

	stored := mustActive(t, eng)
	require.Len(t, stored, 1)
	assert.Equal(t, model.SeverityWarning, stored[0].Severity)

	summary, err := eng.SummaryAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, summary, 1)
	assert.Equal(t, model.AlertHighTemperature, summary[0].Type)
	assert.Equal(t, model.SeverityCritical, summary[0].Severity)

	eng.Reset()
	summary, err = eng.SummaryAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, summary, 1)
	assert.Equal(t, model.SeverityWarning, summary[0].Severity)
}
