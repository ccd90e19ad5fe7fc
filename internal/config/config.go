package config

import (
	"errors"
	"log"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/sirupsen/logrus"
)

var Config = struct {
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	Port        int    `env:"PORT" envDefault:"8081"`
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9103"`

	// Agent runtime settings
	AgentCoreBaseURL      string        `env:"AGENTCORE_BASE_URL" envDefault:"https://bedrock-agentcore.us-east-1.amazonaws.com"`
	AgentRuntimeARN       string        `env:"AGENT_RUNTIME_ARN"`
	AgentRuntimeQualifier string        `env:"AGENT_RUNTIME_QUALIFIER"`
	UpstreamTimeout       time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"0s"` // 0 disables the deadline
	HeartbeatInterval     time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"15s"` // 0 disables keep-alive comments

	// Identity token settings
	AccessTokenHeader   string        `env:"ACCESS_TOKEN_HEADER" envDefault:"X-Access-Token"`
	IDTokenIssuer       string        `env:"ID_TOKEN_ISSUER"`
	IDTokenAudience     string        `env:"ID_TOKEN_AUDIENCE"`
	IDTokenJWKSURL      string        `env:"ID_TOKEN_JWKS_URL"`
	IDTokenUse          string        `env:"ID_TOKEN_USE" envDefault:"id"`
	IDTokenLeeway       time.Duration `env:"ID_TOKEN_LEEWAY" envDefault:"30s"`
	JWKSRefreshInterval time.Duration `env:"JWKS_REFRESH_INTERVAL" envDefault:"5m"`
	JWKSRetryInterval   time.Duration `env:"JWKS_RETRY_INTERVAL" envDefault:"10s"`

	// Redis related settings
	ValkeyURI string `env:"VALKEY_URI"`

	// Other settings
	CorsEnable         bool     `env:"CORS_ENABLE"`
	RPSLimit           int      `env:"RPS_LIMIT" envDefault:"1"`
	ConnectionsLimit   int      `env:"CONNECTIONS_LIMIT" envDefault:"50"`
	TrustedProxyRanges []string `env:"TRUSTED_PROXY_RANGES" envDefault:"0.0.0.0/0"`
	MaxBodySize        int64    `env:"MAX_BODY_SIZE" envDefault:"1048576"` // 1 MB
	SelfSignedTLS      bool     `env:"SELF_SIGNED_TLS" envDefault:"false"`
	PprofEnabled       bool     `env:"PPROF_ENABLED" envDefault:"true"`
}{}

func LoadConfig() {
	if err := env.Parse(&Config); err != nil {
		log.Fatalf("config parsing failed: %v\n", err)
	}

	level, err := logrus.ParseLevel(strings.ToLower(Config.LogLevel))
	if err != nil {
		log.Printf("Invalid LOG_LEVEL '%s', using default 'info'. Valid levels: panic, fatal, error, warn, info, debug, trace", Config.LogLevel)
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if err := Validate(); err != nil {
		log.Fatalf("config validation failed: %v\n", err)
	}
}

// Validate rejects settings the relay cannot run without. A missing runtime
// ARN would otherwise only show up as a malformed upstream URL.
func Validate() error {
	var errs []error
	if strings.TrimSpace(Config.AgentRuntimeARN) == "" {
		errs = append(errs, errors.New("AGENT_RUNTIME_ARN is required"))
	}
	if strings.TrimSpace(Config.IDTokenIssuer) == "" {
		errs = append(errs, errors.New("ID_TOKEN_ISSUER is required"))
	}
	if Config.MaxBodySize <= 0 {
		errs = append(errs, errors.New("MAX_BODY_SIZE must be positive"))
	}
	return errors.Join(errs...)
}
