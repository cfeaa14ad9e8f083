package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Files returns the configured file paths, skipping blanks.
func (l *Loader) Files() []string {
	out := make([]string, 0, len(l.files))
	for _, path := range l.files {
		if path != "" {
			out = append(out, path)
		}
	}
	return out
}

// canonicalKeys restores camelCase keys that env variables can only spell in
// one case.
var canonicalKeys = map[string]string{
	"server.logging.correlationheader": "server.logging.correlationHeader",
	"cache.schemaversion":              "cache.schemaVersion",
	"cache.memoryfreshness":            "cache.memoryFreshness",
	"cache.durablefreshness":           "cache.durableFreshness",
	"cache.fetchtimeout":               "cache.fetchTimeout",
	"cache.livefeeds":                  "cache.liveFeeds",
	"durable.keyprefix":                "durable.keyPrefix",
	"durable.usermaxage":               "durable.userMaxAge",
	"durable.redis.tls.cafile":         "durable.redis.tls.caFile",
	"remote.baseurl":                   "remote.baseURL",
	"remote.userscollection":           "remote.usersCollection",
	"remote.alertscollection":          "remote.alertsCollection",
	"remote.registrationscollection":   "remote.registrationsCollection",
	"push.applicationserverkey":        "push.applicationServerKey",
	"push.gatewayurl":                  "push.gatewayURL",
	"push.gatewaytoken":                "push.gatewayToken",
	"push.ratelimit.persecond":         "push.rateLimit.perSecond",
	"push.ratelimit.burst":             "push.rateLimit.burst",
	"push.restoremaxelapsed":           "push.restoreMaxElapsed",
	"worker.cachenameprefix":           "worker.cacheNamePrefix",
	"worker.seedurls":                  "worker.seedURLs",
	"worker.loginroute":                "worker.loginRoute",
	"worker.alarmroute":                "worker.alarmRoute",
	"worker.mailboxsize":               "worker.mailboxSize",
	"worker.clientinboxsize":           "worker.clientInboxSize",
	"session.userid":                   "session.userId",
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(DefaultConfig()), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	sources := make([]string, 0, len(l.files))
	for _, path := range l.Files() {
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
		sources = append(sources, path)
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonicalKeys[lower]; ok {
				return mapped
			}
			// Single underscores are removed so LISTEN_PORT collapses into listenport when callers
			// choose not to use double underscores for object nesting.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.Sources = sources
	return cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	}
	return nil, fmt.Errorf("config: unsupported file type %s", path)
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	liveFeeds := make([]any, len(cfg.Cache.LiveFeeds))
	for i, name := range cfg.Cache.LiveFeeds {
		liveFeeds[i] = name
	}
	seeds := make([]any, len(cfg.Worker.SeedURLs))
	for i, seed := range cfg.Worker.SeedURLs {
		seeds[i] = seed
	}
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
		},
		"cache": map[string]any{
			"schemaVersion":    cfg.Cache.SchemaVersion,
			"memoryFreshness":  cfg.Cache.MemoryFreshness.String(),
			"durableFreshness": cfg.Cache.DurableFreshness.String(),
			"fetchTimeout":     cfg.Cache.FetchTimeout.String(),
			"liveFeeds":        liveFeeds,
		},
		"durable": map[string]any{
			"backend":    cfg.Durable.Backend,
			"codec":      cfg.Durable.Codec,
			"keyPrefix":  cfg.Durable.KeyPrefix,
			"userMaxAge": cfg.Durable.UserMaxAge.String(),
			"redis": map[string]any{
				"address":  cfg.Durable.Redis.Address,
				"username": cfg.Durable.Redis.Username,
				"password": cfg.Durable.Redis.Password,
				"db":       cfg.Durable.Redis.DB,
				"tls": map[string]any{
					"enabled": cfg.Durable.Redis.TLS.Enabled,
					"caFile":  cfg.Durable.Redis.TLS.CAFile,
				},
			},
			"sqlite": map[string]any{
				"path": cfg.Durable.SQLite.Path,
			},
		},
		"remote": map[string]any{
			"baseURL":                 cfg.Remote.BaseURL,
			"token":                   cfg.Remote.Token,
			"timeout":                 cfg.Remote.Timeout.String(),
			"usersCollection":         cfg.Remote.UsersCollection,
			"alertsCollection":        cfg.Remote.AlertsCollection,
			"registrationsCollection": cfg.Remote.RegistrationsCollection,
		},
		"push": map[string]any{
			"applicationServerKey": cfg.Push.ApplicationServerKey,
			"gatewayURL":           cfg.Push.GatewayURL,
			"gatewayToken":         cfg.Push.GatewayToken,
			"timeout":              cfg.Push.Timeout.String(),
			"rateLimit": map[string]any{
				"perSecond": cfg.Push.RateLimit.PerSecond,
				"burst":     cfg.Push.RateLimit.Burst,
			},
			"restoreMaxElapsed": cfg.Push.RestoreMaxElapsed.String(),
			"templates": map[string]any{
				"folder": cfg.Push.Templates.Folder,
			},
		},
		"worker": map[string]any{
			"version":         cfg.Worker.Version,
			"cacheNamePrefix": cfg.Worker.CacheNamePrefix,
			"origin":          cfg.Worker.Origin,
			"seedURLs":        seeds,
			"loginRoute":      cfg.Worker.LoginRoute,
			"alarmRoute":      cfg.Worker.AlarmRoute,
			"mailboxSize":     cfg.Worker.MailboxSize,
			"clientInboxSize": cfg.Worker.ClientInboxSize,
		},
		"session": map[string]any{
			"userId": cfg.Session.UserID,
		},
	}
}
