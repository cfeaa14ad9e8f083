package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/l0p7/guardpost/internal/domain"
	"github.com/l0p7/guardpost/internal/templates"
)

// Config holds every option of the guardpost process.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Cache   CacheConfig   `koanf:"cache"`
	Durable DurableConfig `koanf:"durable"`
	Remote  RemoteConfig  `koanf:"remote"`
	Push    PushConfig    `koanf:"push"`
	Worker  WorkerConfig  `koanf:"worker"`
	Session SessionConfig `koanf:"session"`

	// Sources lists the files that contributed to this snapshot.
	Sources []string `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs of the HTTP facade.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// CacheConfig shapes the local resource cache. Collections and Freshness are
// keyed by resource class name.
type CacheConfig struct {
	SchemaVersion    int                      `koanf:"schemaVersion"`
	MemoryFreshness  time.Duration            `koanf:"memoryFreshness"`
	DurableFreshness time.Duration            `koanf:"durableFreshness"`
	FetchTimeout     time.Duration            `koanf:"fetchTimeout"`
	Collections      map[string]string        `koanf:"collections"`
	Freshness        map[string]time.Duration `koanf:"freshness"`
	// LiveFeeds names the classes whose live feed is armed when a session
	// starts.
	LiveFeeds []string `koanf:"liveFeeds"`
}

// DurableConfig selects the local persistence backend.
type DurableConfig struct {
	Backend    string        `koanf:"backend"`
	Codec      string        `koanf:"codec"`
	KeyPrefix  string        `koanf:"keyPrefix"`
	UserMaxAge time.Duration `koanf:"userMaxAge"`
	Redis      RedisConfig   `koanf:"redis"`
	SQLite     SQLiteConfig  `koanf:"sqlite"`
}

type RedisConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// RemoteConfig points at the document store. An empty BaseURL selects the
// in-process store.
type RemoteConfig struct {
	BaseURL                 string        `koanf:"baseURL"`
	Token                   string        `koanf:"token"`
	Timeout                 time.Duration `koanf:"timeout"`
	UsersCollection         string        `koanf:"usersCollection"`
	AlertsCollection        string        `koanf:"alertsCollection"`
	RegistrationsCollection string        `koanf:"registrationsCollection"`
}

// PushConfig covers registration, the gateway and dispatch throttling.
type PushConfig struct {
	ApplicationServerKey string          `koanf:"applicationServerKey"`
	GatewayURL           string          `koanf:"gatewayURL"`
	GatewayToken         string          `koanf:"gatewayToken"`
	Timeout              time.Duration   `koanf:"timeout"`
	RateLimit            RateLimitConfig `koanf:"rateLimit"`
	RestoreMaxElapsed    time.Duration   `koanf:"restoreMaxElapsed"`
	Templates            TemplatesConfig `koanf:"templates"`
}

// RateLimitConfig throttles dispatch locally. A zero PerSecond disables it.
type RateLimitConfig struct {
	PerSecond float64 `koanf:"perSecond"`
	Burst     int     `koanf:"burst"`
}

// TemplatesConfig captures the template root and the per-kind notification
// templates.
type TemplatesConfig struct {
	Folder string                    `koanf:"folder"`
	Kinds  map[string]templates.Spec `koanf:"kinds"`
}

// WorkerConfig shapes the background delivery worker.
type WorkerConfig struct {
	Version         string   `koanf:"version"`
	CacheNamePrefix string   `koanf:"cacheNamePrefix"`
	Origin          string   `koanf:"origin"`
	SeedURLs        []string `koanf:"seedURLs"`
	LoginRoute      string   `koanf:"loginRoute"`
	AlarmRoute      string   `koanf:"alarmRoute"`
	MailboxSize     int      `koanf:"mailboxSize"`
	ClientInboxSize int      `koanf:"clientInboxSize"`
}

// SessionConfig seeds the identity of the running device.
type SessionConfig struct {
	UserID string `koanf:"userId"`
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if err := c.Cache.validate(); err != nil {
		return err
	}
	if err := c.Durable.validate(); err != nil {
		return err
	}
	if c.Push.RateLimit.PerSecond < 0 || c.Push.RateLimit.Burst < 0 {
		return errors.New("config: push.rateLimit values must not be negative")
	}
	if c.Push.GatewayURL != "" {
		if err := requireAbsoluteURL("push.gatewayURL", c.Push.GatewayURL); err != nil {
			return err
		}
	}
	if c.Remote.BaseURL != "" {
		if err := requireAbsoluteURL("remote.baseURL", c.Remote.BaseURL); err != nil {
			return err
		}
	}
	if strings.TrimSpace(c.Worker.Version) == "" {
		return errors.New("config: worker.version required")
	}
	if strings.TrimSpace(c.Worker.Origin) == "" {
		return errors.New("config: worker.origin required")
	}
	return requireAbsoluteURL("worker.origin", c.Worker.Origin)
}

func (c CacheConfig) validate() error {
	if c.SchemaVersion <= 0 {
		return fmt.Errorf("config: cache.schemaVersion invalid: %d", c.SchemaVersion)
	}
	if c.MemoryFreshness <= 0 || c.DurableFreshness <= 0 {
		return errors.New("config: cache freshness windows must be positive")
	}
	if c.MemoryFreshness >= c.DurableFreshness {
		return fmt.Errorf("config: cache.memoryFreshness %s must be shorter than cache.durableFreshness %s", c.MemoryFreshness, c.DurableFreshness)
	}
	for name := range c.Collections {
		if _, ok := domain.ParseClass(name); !ok {
			return fmt.Errorf("config: cache.collections has unknown class %q", name)
		}
	}
	for name, window := range c.Freshness {
		if _, ok := domain.ParseClass(name); !ok {
			return fmt.Errorf("config: cache.freshness has unknown class %q", name)
		}
		if window <= 0 {
			return fmt.Errorf("config: cache.freshness.%s must be positive", name)
		}
	}
	for _, name := range c.LiveFeeds {
		if _, ok := domain.ParseClass(name); !ok {
			return fmt.Errorf("config: cache.liveFeeds has unknown class %q", name)
		}
	}
	return nil
}

func (c DurableConfig) validate() error {
	switch strings.TrimSpace(strings.ToLower(c.Backend)) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Redis.Address) == "" {
			return errors.New("config: durable.redis.address required for redis backend")
		}
	case "sqlite":
		if strings.TrimSpace(c.SQLite.Path) == "" {
			return errors.New("config: durable.sqlite.path required for sqlite backend")
		}
	default:
		return fmt.Errorf("config: durable.backend unsupported: %s", c.Backend)
	}
	switch strings.TrimSpace(strings.ToLower(c.Codec)) {
	case "", "json", "cbor":
	default:
		return fmt.Errorf("config: durable.codec unsupported: %s", c.Codec)
	}
	if c.UserMaxAge < 0 {
		return fmt.Errorf("config: durable.userMaxAge invalid: %s", c.UserMaxAge)
	}
	return nil
}

func requireAbsoluteURL(field, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("config: %s must be an absolute url: %q", field, raw)
	}
	return nil
}

// ClassCollections resolves the collection name of every class.
func (c CacheConfig) ClassCollections() map[domain.ResourceClass]string {
	out := make(map[domain.ResourceClass]string, len(c.Collections))
	for name, collection := range c.Collections {
		if class, ok := domain.ParseClass(name); ok && collection != "" {
			out[class] = collection
		}
	}
	return out
}

// ClassWindows resolves the per-class freshness overrides.
func (c CacheConfig) ClassWindows() map[domain.ResourceClass]time.Duration {
	out := make(map[domain.ResourceClass]time.Duration, len(c.Freshness))
	for name, window := range c.Freshness {
		if class, ok := domain.ParseClass(name); ok {
			out[class] = window
		}
	}
	return out
}

// LiveClasses resolves LiveFeeds, dropping duplicates.
func (c CacheConfig) LiveClasses() []domain.ResourceClass {
	out := make([]domain.ResourceClass, 0, len(c.LiveFeeds))
	seen := make(map[domain.ResourceClass]bool, len(c.LiveFeeds))
	for _, name := range c.LiveFeeds {
		if class, ok := domain.ParseClass(name); ok && !seen[class] {
			seen[class] = true
			out = append(out, class)
		}
	}
	return out
}

// DefaultConfig returns the baseline values that align with the design defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
		},
		Cache: CacheConfig{
			SchemaVersion:    1,
			MemoryFreshness:  5 * time.Minute,
			DurableFreshness: 30 * time.Minute,
			FetchTimeout:     15 * time.Second,
			LiveFeeds:        []string{"objects", "tasks", "curators", "inspectors"},
		},
		Durable: DurableConfig{
			Backend:    "memory",
			Codec:      "json",
			KeyPrefix:  "guardpost:",
			UserMaxAge: 24 * time.Hour,
		},
		Remote: RemoteConfig{
			Timeout:                 10 * time.Second,
			UsersCollection:         "users",
			AlertsCollection:        "alerts",
			RegistrationsCollection: "push_subscriptions",
		},
		Push: PushConfig{
			Timeout:           10 * time.Second,
			RestoreMaxElapsed: 30 * time.Second,
			Templates: TemplatesConfig{
				Folder: "./templates",
			},
		},
		Worker: WorkerConfig{
			Version:         "v1",
			CacheNamePrefix: "guardpost-static-",
			Origin:          "http://localhost:8080",
			SeedURLs:        []string{"/", "/index.html", "/manifest.json", "/sounds/alarm.mp3"},
			LoginRoute:      "/login",
			AlarmRoute:      "/alarm",
			MailboxSize:     64,
			ClientInboxSize: 32,
		},
	}
}
