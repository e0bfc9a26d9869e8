// Package config loads Yodi's runtime configuration from the environment,
// with CLI flags (bound in cmd/yodi) taking precedence over env vars and env
// vars taking precedence over defaults.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Paths configures the two filesystem locations an agent needs, with
// sensible defaults that are overridable via env vars.
type Paths struct {
	DBPath      string `env:"YODI_DB_PATH" envDefault:"/tmp/boydem"`
	LogPath     string `env:"YODI_LOG_PATH" envDefault:"/tmp/yodi.log"`
	AuditDir    string `env:"YODI_AUDIT_DIR" envDefault:"/tmp/yodi-audit"`
	LogSockPath string `env:"YODI_LOG_SOCK_PATH" envDefault:"/tmp/yodi-logfanin.sock"`
}

// Transport configures the pub/sub session a client role maintains.
// CLI flags -h -u -p -i -U -P map onto this struct; all are required and
// Port must be in 1..65535.
type Transport struct {
	Host     string `env:"YODI_HOST"`
	URI      string `env:"YODI_URI"`
	Port     int    `env:"YODI_PORT"`
	ClientID string `env:"YODI_CLIENT_ID"`
	User     string `env:"YODI_USER"`
	Password string `env:"YODI_PASSWORD"`
}

// Validate checks the requiredness and range constraints on the client
// CLI surface.
func (t Transport) Validate() error {
	switch {
	case t.Host == "":
		return fmt.Errorf("config: host is required")
	case t.URI == "":
		return fmt.Errorf("config: uri is required")
	case t.ClientID == "":
		return fmt.Errorf("config: client id is required")
	case t.User == "":
		return fmt.Errorf("config: user is required")
	case t.Password == "":
		return fmt.Errorf("config: password is required")
	case t.Port < 1 || t.Port > 65535:
		return fmt.Errorf("config: port must be in 1..65535, got %d", t.Port)
	}
	return nil
}

// ConnectDefaults are the connect-phase retry constants: up to
// ConnectTries attempts, ConnectIntervalMs apart, each capped at
// ConnectTimeoutMs.
type ConnectDefaults struct {
	ConnectTries      int `env:"YODI_CONNECT_TRIES" envDefault:"5"`
	ConnectIntervalMs int `env:"YODI_CONNECT_INTERVAL_MS" envDefault:"1000"`
	ConnectTimeoutMs  int `env:"YODI_CONNECT_TIMEOUT_MS" envDefault:"3000"`
	ResultPollMs      int `env:"YODI_RESULT_POLL_MS" envDefault:"1000"`
}

// CPULimits are the CPU-rearm constants: CPUSec added to consumed time on
// each rearm, RearmInterval between rearms.
type CPULimits struct {
	CPUSec        int `env:"YODI_CPU_SEC" envDefault:"110"`
	RearmInterval int `env:"YODI_REARM_INTERVAL_SEC" envDefault:"120"`
}

// ShellSandbox bounds the shell handler's subprocess.
type ShellSandbox struct {
	TimeoutSec int `env:"YODI_SHELL_TIMEOUT_SEC" envDefault:"5"`
	BufSize    int `env:"YODI_SHELL_BUFSIZ" envDefault:"1048576"`
}

// Observability configures the supervisor's local Prometheus scrape
// endpoint. An empty MetricsAddr disables the server entirely.
type Observability struct {
	MetricsAddr string `env:"YODI_METRICS_ADDR" envDefault:""`
}

// Config aggregates every env-driven setting a Yodi role may need. Each role
// binds only the sections it uses.
type Config struct {
	Paths
	Transport
	ConnectDefaults
	CPULimits
	ShellSandbox
	Observability
}

// Load parses environment variables into a Config using struct tags.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	return cfg, nil
}
