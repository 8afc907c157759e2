package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel      string              `json:"log_level" yaml:"log_level"`
	LogFormat     string              `json:"log_format" yaml:"log_format"`
	Ingest        IngestConfig        `json:"ingest" yaml:"ingest"`
	Engine        EngineConfig        `json:"engine" yaml:"engine"`
	Notify        NotifyConfig        `json:"notify" yaml:"notify"`
	Broadcast     BroadcastConfig     `json:"broadcast" yaml:"broadcast"`
	Subscriptions SubscriptionsConfig `json:"subscriptions" yaml:"subscriptions"`
	Redis         RedisConfig         `json:"redis" yaml:"redis"`
	API           APIConfig           `json:"api" yaml:"api"`
	Storage       StorageConfig       `json:"storage" yaml:"storage"`
	Alerts        AlertsConfig        `json:"alerts" yaml:"alerts"`
	Vehicles      VehiclesConfig      `json:"vehicles" yaml:"vehicles"`
}

type IngestConfig struct {
	ChannelBuffer int             `json:"channel_buffer" yaml:"channel_buffer"`
	Workers       int             `json:"workers" yaml:"workers"`
	REST          RESTConfig      `json:"rest" yaml:"rest"`
	TCPStream     TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	UDP           UDPConfig       `json:"udp" yaml:"udp"`
	FileTail      FileTailConfig  `json:"file_tail" yaml:"file_tail"`
	Kafka         KafkaConfig     `json:"kafka" yaml:"kafka"`
	Parser        ParserConfig    `json:"parser" yaml:"parser"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type UDPConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end"`
	Files      []string `json:"files" yaml:"files"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type ParserConfig struct {
	Timezone         string `json:"timezone" yaml:"timezone"`
	DefaultVehicleID string `json:"default_vehicle_id" yaml:"default_vehicle_id"`
}

type EngineConfig struct {
	DedupTTL           time.Duration `json:"dedup_ttl" yaml:"dedup_ttl"`
	CacheSweepInterval time.Duration `json:"cache_sweep_interval" yaml:"cache_sweep_interval"`
	StatsInterval      time.Duration `json:"stats_interval" yaml:"stats_interval"`
	StoreTimeout       time.Duration `json:"store_timeout" yaml:"store_timeout"`
	ResolveBackoff     time.Duration `json:"resolve_backoff" yaml:"resolve_backoff"`
}

type NotifyConfig struct {
	Cooldown        time.Duration `json:"cooldown" yaml:"cooldown"`
	QuietPeriod     time.Duration `json:"quiet_period" yaml:"quiet_period"`
	PersistentEvery int           `json:"persistent_every" yaml:"persistent_every"`
	StateExpiry     time.Duration `json:"state_expiry" yaml:"state_expiry"`
	SweepInterval   time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

type BroadcastConfig struct {
	SummaryInterval  time.Duration `json:"summary_interval" yaml:"summary_interval"`
	TelemetrySpacing time.Duration `json:"telemetry_spacing" yaml:"telemetry_spacing"`
	SendBuffer       int           `json:"send_buffer" yaml:"send_buffer"`
	RedisMirror      bool          `json:"redis_mirror" yaml:"redis_mirror"`
	ChannelPrefix    string        `json:"channel_prefix" yaml:"channel_prefix"`
}

type SubscriptionsConfig struct {
	Backend string `json:"backend" yaml:"backend"`
}

type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type AlertsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

type VehiclesConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			Workers:       1,
			REST:          RESTConfig{Enabled: true, Addr: ":8080"},
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":9000"},
			UDP:           UDPConfig{Enabled: false, Addr: ":9001"},
			FileTail:      FileTailConfig{Enabled: false, StartAtEnd: true},
			Kafka:         KafkaConfig{Enabled: false},
			Parser:        ParserConfig{Timezone: "UTC", DefaultVehicleID: ""},
		},
		Engine: EngineConfig{
			DedupTTL:           5 * time.Minute,
			CacheSweepInterval: time.Minute,
			StatsInterval:      5 * time.Minute,
			StoreTimeout:       2 * time.Second,
			ResolveBackoff:     30 * time.Second,
		},
		Notify: NotifyConfig{
			Cooldown:        2 * time.Second,
			QuietPeriod:     30 * time.Second,
			PersistentEvery: 10,
			StateExpiry:     time.Hour,
			SweepInterval:   5 * time.Minute,
		},
		Broadcast: BroadcastConfig{
			SummaryInterval:  3 * time.Second,
			TelemetrySpacing: 500 * time.Millisecond,
			SendBuffer:       256,
			RedisMirror:      false,
			ChannelPrefix:    "fleet",
		},
		Subscriptions: SubscriptionsConfig{Backend: "memory"},
		Redis:         RedisConfig{Addr: "localhost:6379"},
		API:           APIConfig{Enabled: true, Addr: ":8081"},
		Storage:       StorageConfig{Driver: "sqlite", DSN: "file:fleetalerts.db?_pragma=busy_timeout(5000)"},
		Alerts:        AlertsConfig{StoreLimit: 1000},
		Vehicles:      VehiclesConfig{StoreLimit: 5000},
	}
}

// Load decodes a YAML or JSON file over the defaults, then applies
// environment overrides. An empty path yields the defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return nil, err
		}
		trimmed := strings.TrimSpace(string(content))
		if len(trimmed) == 0 {
			return nil, errors.New("config file is empty")
		}
		// JSON is decoded by the YAML parser too, so durations such as "5m"
		// read the same in both formats.
		if err := yaml.Unmarshal([]byte(trimmed), cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv reads .env files into the process environment. Missing files are
// not an error; variables already set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

func applyEnv(cfg *Config) {
	cfg.LogLevel = getEnv("FLEETALERTS_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("FLEETALERTS_LOG_FORMAT", cfg.LogFormat)
	cfg.API.Addr = getEnv("FLEETALERTS_API_ADDR", cfg.API.Addr)
	cfg.Ingest.REST.Addr = getEnv("FLEETALERTS_INGEST_ADDR", cfg.Ingest.REST.Addr)
	cfg.Ingest.Workers = getEnvInt("FLEETALERTS_WORKERS", cfg.Ingest.Workers)
	cfg.Storage.Driver = getEnv("FLEETALERTS_DB_DRIVER", cfg.Storage.Driver)
	cfg.Storage.DSN = getEnv("DB_DSN", cfg.Storage.DSN)
	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)
	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		cfg.Ingest.Kafka.Enabled = true
		cfg.Ingest.Kafka.Brokers = splitList(brokers)
	}
	cfg.Ingest.Kafka.Topic = getEnv("KAFKA_TOPIC", cfg.Ingest.Kafka.Topic)
	cfg.Ingest.Kafka.GroupID = getEnv("KAFKA_GROUP_ID", cfg.Ingest.Kafka.GroupID)
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = def.Ingest.ChannelBuffer
	}
	if cfg.Ingest.Workers <= 0 {
		cfg.Ingest.Workers = 1
	}
	if cfg.Ingest.Parser.Timezone == "" {
		cfg.Ingest.Parser.Timezone = "UTC"
	}
	if cfg.Engine.DedupTTL <= 0 {
		cfg.Engine.DedupTTL = def.Engine.DedupTTL
	}
	if cfg.Engine.CacheSweepInterval <= 0 {
		cfg.Engine.CacheSweepInterval = def.Engine.CacheSweepInterval
	}
	if cfg.Engine.StatsInterval <= 0 {
		cfg.Engine.StatsInterval = def.Engine.StatsInterval
	}
	if cfg.Engine.StoreTimeout <= 0 {
		cfg.Engine.StoreTimeout = def.Engine.StoreTimeout
	}
	if cfg.Engine.ResolveBackoff < 0 {
		cfg.Engine.ResolveBackoff = 0
	}
	if cfg.Notify.PersistentEvery <= 0 {
		cfg.Notify.PersistentEvery = def.Notify.PersistentEvery
	}
	if cfg.Notify.StateExpiry <= 0 {
		cfg.Notify.StateExpiry = def.Notify.StateExpiry
	}
	if cfg.Notify.SweepInterval <= 0 {
		cfg.Notify.SweepInterval = def.Notify.SweepInterval
	}
	if cfg.Broadcast.SummaryInterval <= 0 {
		cfg.Broadcast.SummaryInterval = def.Broadcast.SummaryInterval
	}
	if cfg.Broadcast.SendBuffer <= 0 {
		cfg.Broadcast.SendBuffer = def.Broadcast.SendBuffer
	}
	if cfg.Broadcast.ChannelPrefix == "" {
		cfg.Broadcast.ChannelPrefix = def.Broadcast.ChannelPrefix
	}
	if cfg.Subscriptions.Backend == "" {
		cfg.Subscriptions.Backend = "memory"
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = def.Alerts.StoreLimit
	}
	if cfg.Vehicles.StoreLimit <= 0 {
		cfg.Vehicles.StoreLimit = def.Vehicles.StoreLimit
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.UDP.Enabled && cfg.Ingest.UDP.Addr == "" {
		return errors.New("ingest.udp.addr required when ingest.udp.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	switch strings.ToLower(cfg.Subscriptions.Backend) {
	case "memory", "redis":
	default:
		return fmt.Errorf("subscriptions.backend must be memory or redis, got %q", cfg.Subscriptions.Backend)
	}
	if (cfg.Broadcast.RedisMirror || strings.EqualFold(cfg.Subscriptions.Backend, "redis")) && cfg.Redis.Addr == "" {
		return errors.New("redis.addr required when redis mirror or redis subscriptions are enabled")
	}
	if cfg.Notify.Cooldown < 0 || cfg.Notify.QuietPeriod < 0 {
		return errors.New("notify.cooldown and notify.quiet_period must not be negative")
	}
	if cfg.Broadcast.TelemetrySpacing < 0 {
		return errors.New("broadcast.telemetry_spacing must not be negative")
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	if path != "" {
		if info, err := os.Stat(path); err == nil {
			m.modTime = info.ModTime()
		}
	}
	return m, nil
}

// NewStaticManager wraps an already built config; Reload and Watch are no-ops.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
