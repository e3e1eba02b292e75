package config

// ServerConfig holds configuration for the FlowQ server.
type ServerConfig struct {
	Addr      string // Listen address (default ":8080")
	LogLevel  string // Log level: debug, info, warn, error
	LogFormat string // Log format: text, json
	DBDriver  string // "sqlite" or "postgres"
	DBPath    string // SQLite database path (default ~/.flowq/flowq.db, ":memory:" for testing)
	DBURL     string // Postgres connection string (used when DBDriver is "postgres")
	Workers   int    // Worker pool size
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:      ":8080",
		LogLevel:  "info",
		LogFormat: "text",
		DBDriver:  "sqlite",
		Workers:   4,
	}
}
