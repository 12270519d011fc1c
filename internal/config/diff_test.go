package config_test

import (
	"testing"
	"time"

	"github.com/mealtone-ai/mealtone/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		POS:    config.POSConfig{SyncInterval: config.Duration(15 * time.Minute)},
	}
	d := config.Diff(cfg, cfg)
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false for identical configs")
	}
	if d.SyncIntervalChanged {
		t.Error("expected SyncIntervalChanged=false for identical configs")
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if d.SyncIntervalChanged {
		t.Error("expected SyncIntervalChanged=false")
	}
}

func TestDiff_SyncIntervalChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{POS: config.POSConfig{SyncInterval: config.Duration(15 * time.Minute)}}
	new := &config.Config{POS: config.POSConfig{SyncInterval: config.Duration(5 * time.Minute)}}

	d := config.Diff(old, new)
	if !d.SyncIntervalChanged {
		t.Error("expected SyncIntervalChanged=true")
	}
	if d.NewSyncInterval != 5*time.Minute {
		t.Errorf("expected NewSyncInterval=5m, got %s", d.NewSyncInterval)
	}
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false")
	}
}

func TestDiff_MultipleChanges(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		POS:    config.POSConfig{SyncInterval: config.Duration(15 * time.Minute)},
	}
	new := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogWarn},
		POS:    config.POSConfig{SyncInterval: config.Duration(time.Hour)},
	}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogWarn {
		t.Errorf("expected NewLogLevel=warn, got %q", d.NewLogLevel)
	}
	if !d.SyncIntervalChanged {
		t.Error("expected SyncIntervalChanged=true")
	}
	if d.NewSyncInterval != time.Hour {
		t.Errorf("expected NewSyncInterval=1h, got %s", d.NewSyncInterval)
	}
}

func TestDiff_RestartOnlySettingsIgnored(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Server:   config.ServerConfig{ListenAddr: ":8080"},
		Database: config.DatabaseConfig{URL: "postgres://localhost/a"},
		Redis:    config.RedisConfig{Addr: "localhost:6379"},
	}
	new := &config.Config{
		Server:   config.ServerConfig{ListenAddr: ":9090"},
		Database: config.DatabaseConfig{URL: "postgres://localhost/b"},
		Redis:    config.RedisConfig{Addr: "redis.internal:6379"},
	}

	d := config.Diff(old, new)
	if d.LogLevelChanged || d.SyncIntervalChanged {
		t.Errorf("restart-only changes should produce an empty diff, got %+v", d)
	}
}
