package config

import "time"

// ConfigDiff describes which live-reloadable settings changed between two
// configurations. Settings that need a restart to take effect (listen
// address, database, redis, llm credentials) are deliberately not tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SyncIntervalChanged bool
	NewSyncInterval     time.Duration
}

// Diff compares two configurations and reports the changes a running server
// can apply in place.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.POS.SyncInterval != new.POS.SyncInterval {
		d.SyncIntervalChanged = true
		d.NewSyncInterval = new.POS.SyncInterval.Duration()
	}

	return d
}
