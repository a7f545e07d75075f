package app

import "time"

const (
	Name           = "fieldsync"
	ConfigFilename = "config.json"
	LogFilename    = "app.log"
	StateDirname   = "state"

	WriterQueueCapacity = 256
	NameCacheCapacity   = 500
	NameCacheTTL        = 24 * time.Hour
	HealthPath          = "/health"
)

// Namespaces of the shared persisted key-value store. Each component owns one.
const (
	NamespaceAuth        = "auth"
	NamespaceOffline     = "offline"
	NamespaceDiagnostics = "diagnostics"
	NamespacePrefs       = "prefs"
	NamespaceCache       = "cache"
)
