package config

import (
	"log"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataDir          string `envconfig:"DATA_DIR" default:"./db/data"`
	DBFileEncryption bool   `envconfig:"DB_FILE_ENCRYPTION" default:"true"`

	// SystemSecret protects the master key at rest. When empty a
	// keyfile under DataDir is generated instead.
	SystemSecret string `envconfig:"SYSTEM_SECRET" default:""`

	// JWTSecret overrides the derived signing key, for testing only.
	// Production derives the key from the system master key.
	JWTSecret string `envconfig:"JWT_SECRET" default:""`

	Env     string `envconfig:"NODE_ENV" default:"production"`
	SSLPort int    `envconfig:"SSL_PORT" default:"8443"`
	Version string `envconfig:"VERSION" default:"dev"`
	Port    int    `envconfig:"PORT" default:"8080"`

	LogPath string `envconfig:"LOG_PATH" default:""`

	// SSH resource limits
	MaxConnectionsPerHost int `envconfig:"MAX_CONNECTIONS_PER_HOST" default:"3"`
	MetricsCacheTTLSec    int `envconfig:"METRICS_CACHE_TTL_SEC" default:"30"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// DatabasePath returns the path of the SQLite file inside DataDir.
func DatabasePath() string {
	return filepath.Join(Cfg.DataDir, "termix.sqlite")
}
