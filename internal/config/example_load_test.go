package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadExampleConfigs(t *testing.T) {
	// Get the project root (config package is at internal/config)
	wd, err := os.Getwd()
	require.NoError(t, err)
	projectRoot := filepath.Join(wd, "..", "..")

	examples := []struct {
		name     string
		path     string
		validate func(t *testing.T, cfg Config)
	}{
		{
			name: "full yaml",
			path: "examples/configs/guardpost.yaml",
			validate: func(t *testing.T, cfg Config) {
				require.Equal(t, time.Minute, cfg.Cache.Freshness["tasks"])
				require.Equal(t, "https://push.guard.example", cfg.Push.GatewayURL)
				require.Equal(t, "alarm-body.tmpl", cfg.Push.Templates.Kinds["alarm"].BodyFile)
				require.Equal(t, "Session ended", cfg.Push.Templates.Kinds["force_logout"].Title)
				require.Equal(t, "2026.10.1", cfg.Worker.Version)
				require.Len(t, cfg.Worker.SeedURLs, 4)
			},
		},
		{
			name: "redis durable toml",
			path: "examples/configs/redis-durable.toml",
			validate: func(t *testing.T, cfg Config) {
				require.Equal(t, "redis", cfg.Durable.Backend)
				require.Equal(t, "cbor", cfg.Durable.Codec)
				require.Equal(t, 2, cfg.Durable.Redis.DB)
				require.Equal(t, "guardpost:device-7:", cfg.Durable.KeyPrefix)
			},
		},
		{
			name: "sqlite offline json",
			path: "examples/configs/sqlite-offline.json",
			validate: func(t *testing.T, cfg Config) {
				require.Equal(t, "sqlite", cfg.Durable.Backend)
				require.Equal(t, "./guardpost.db", cfg.Durable.SQLite.Path)
				require.Equal(t, "inspector-12", cfg.Session.UserID)
				require.Equal(t, []string{"/", "/sounds/alarm.mp3"}, cfg.Worker.SeedURLs)
			},
		},
	}

	for _, tc := range examples {
		t.Run(tc.name, func(t *testing.T) {
			configPath := filepath.Join(projectRoot, tc.path)
			loader := NewLoader("GUARDPOST", configPath)
			cfg, err := loader.Load(context.Background())
			require.NoError(t, err, "Failed to load %s", tc.path)

			tc.validate(t, cfg)
		})
	}
}
