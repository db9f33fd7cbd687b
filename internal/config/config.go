// Package config loads and validates the coordinator's runtime tunables
// from YAML with environment-variable overrides, in the style of the
// rest of the exchange: a single Config struct decoded once at startup,
// defaults applied for zero values, and env vars taking precedence for
// deployment-time overrides.
package config

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Trust      TrustConfig      `yaml:"trust"`
	Consensus  ConsensusConfig  `yaml:"consensus"`
	IOC        IOCConfig        `yaml:"ioc"`
	Fabric     FabricConfig     `yaml:"fabric"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	PubSub     PubSubConfig     `yaml:"pubsub"`
}

type ServerConfig struct {
	Port             string   `yaml:"port"`
	Env              string   `yaml:"env"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	ShutdownTimeout  int      `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Backend  string         `yaml:"backend"` // memory | postgres | spanner
	Postgres PostgresConfig `yaml:"postgres"`
	Spanner  SpannerConfig  `yaml:"spanner"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type SpannerConfig struct {
	ProjectID  string `yaml:"project_id"`
	InstanceID string `yaml:"instance_id"`
	DatabaseID string `yaml:"database_id"`
}

// TrustConfig holds the reputation scoring tunables (§4.1 of the exchange
// design). Weights are intentionally exposed here rather than treated as
// canonical constants.
type TrustConfig struct {
	InitialTrust      float64       `yaml:"initial_trust"`
	MinTrust          float64       `yaml:"min_trust"`
	MaxTrust          float64       `yaml:"max_trust"`
	LearningRate      float64       `yaml:"learning_rate"` // alpha
	ContributionNorm  float64       `yaml:"contribution_norm"`
	ResponsivenessTau float64       `yaml:"responsiveness_tau_sec"`
	ConsistencyWindow int           `yaml:"consistency_window"` // K
	Weights           TrustWeights  `yaml:"weights"`
	DecayRate         float64       `yaml:"decay_rate"`
	DecayIntervalSec  int           `yaml:"decay_interval_sec"`
}

type TrustWeights struct {
	Accuracy       float64 `yaml:"accuracy"`
	Contribution   float64 `yaml:"contribution"`
	Responsiveness float64 `yaml:"responsiveness"`
	Consistency    float64 `yaml:"consistency"`
}

// ConsensusConfig controls the pending -> verified promotion rule.
type ConsensusConfig struct {
	Threshold          int     `yaml:"threshold"`
	TrustAverage       float64 `yaml:"trust_average"`
	CriticalBypass     bool    `yaml:"critical_trust_bypass"`
	CriticalMinTrust   float64 `yaml:"critical_min_trust"`
}

// IOCConfig controls IOC lifecycle timing.
type IOCConfig struct {
	TTLDays int `yaml:"ttl_days"`
}

// FabricConfig controls the distribution fabric's transport and
// back-pressure behavior.
type FabricConfig struct {
	OutboundQueueSize    int    `yaml:"outbound_queue_size"`
	HandlerTimeoutSec    int    `yaml:"handler_timeout_sec"`
	HeartbeatIntervalSec int    `yaml:"heartbeat_interval_sec"`
	RedisAddr            string `yaml:"redis_addr"`
	RedisPassword        string `yaml:"redis_password"`
}

// ScheduleConfig controls the periodic background sweeps.
type ScheduleConfig struct {
	DecayIntervalSec         int `yaml:"decay_interval_sec"`
	ExpireSweepIntervalSec   int `yaml:"expire_sweep_interval_sec"`
	HeartbeatReapIntervalSec int `yaml:"heartbeat_reap_interval_sec"`
}

// PubSubConfig configures the optional Google Cloud Pub/Sub-backed event
// bus used to fan out verification events across coordinator replicas.
type PubSubConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

var (
	once     sync.Once
	instance *Config
)

// Load reads config from path, applies environment overrides, and fills
// in defaults for anything left unset. It is safe to call repeatedly;
// each call re-reads the file (the caller is expected to hold onto the
// result rather than reload per-request).
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
				return nil, err
			}
		}
	}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return &cfg, nil
}

// Instance returns a process-wide singleton loaded from EXCHANGE_CONFIG_PATH
// (or defaults if unset). Most callers should prefer Load and pass the
// result explicitly; this exists for entrypoints that want a zero-arg
// bootstrap.
func Instance() *Config {
	once.Do(func() {
		cfg, err := Load(os.Getenv("EXCHANGE_CONFIG_PATH"))
		if err != nil {
			cfg = &Config{}
			cfg.applyDefaults()
		}
		instance = cfg
	})
	return instance
}

func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("EXCHANGE_ENV", c.Server.Env)
	if origins := getEnv("CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}

	c.Store.Backend = getEnv("STORE_BACKEND", c.Store.Backend)
	c.Store.Postgres.DSN = getEnv("POSTGRES_DSN", c.Store.Postgres.DSN)
	c.Store.Spanner.ProjectID = getEnv("SPANNER_PROJECT_ID", c.Store.Spanner.ProjectID)
	c.Store.Spanner.InstanceID = getEnv("SPANNER_INSTANCE_ID", c.Store.Spanner.InstanceID)
	c.Store.Spanner.DatabaseID = getEnv("SPANNER_DATABASE_ID", c.Store.Spanner.DatabaseID)

	if v := getEnvFloat("TRUST_INITIAL", 0); v > 0 {
		c.Trust.InitialTrust = v
	}
	if v := getEnvFloat("TRUST_MIN", 0); v > 0 {
		c.Trust.MinTrust = v
	}
	if v := getEnvFloat("TRUST_MAX", 0); v > 0 {
		c.Trust.MaxTrust = v
	}
	if v := getEnvFloat("TRUST_DECAY_RATE", 0); v > 0 {
		c.Trust.DecayRate = v
	}

	if v := getEnvInt("CONSENSUS_THRESHOLD", 0); v > 0 {
		c.Consensus.Threshold = v
	}
	if v := getEnvFloat("CONSENSUS_TRUST_AVG", 0); v > 0 {
		c.Consensus.TrustAverage = v
	}

	if v := getEnvInt("IOC_TTL_DAYS", 0); v > 0 {
		c.IOC.TTLDays = v
	}

	c.Fabric.RedisAddr = getEnv("REDIS_ADDR", c.Fabric.RedisAddr)
	c.Fabric.RedisPassword = getEnv("REDIS_PASSWORD", c.Fabric.RedisPassword)
	if v := getEnvInt("OUTBOUND_QUEUE_SIZE", 0); v > 0 {
		c.Fabric.OutboundQueueSize = v
	}
	if v := getEnvInt("HANDLER_TIMEOUT_SEC", 0); v > 0 {
		c.Fabric.HandlerTimeoutSec = v
	}

	if projectID := getEnv("GCP_PROJECT_ID", ""); projectID != "" {
		c.PubSub.ProjectID = projectID
	}
	c.PubSub.TopicID = getEnv("PUBSUB_TOPIC_ID", c.PubSub.TopicID)
	c.PubSub.Enabled = getEnvBool("PUBSUB_ENABLED", c.PubSub.Enabled)
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}

	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}

	if c.Trust.InitialTrust == 0 {
		c.Trust.InitialTrust = 0.5
	}
	if c.Trust.MinTrust == 0 {
		c.Trust.MinTrust = 0.1
	}
	if c.Trust.MaxTrust == 0 {
		c.Trust.MaxTrust = 1.0
	}
	if c.Trust.LearningRate == 0 {
		c.Trust.LearningRate = 0.25
	}
	if c.Trust.ContributionNorm == 0 {
		c.Trust.ContributionNorm = 50
	}
	if c.Trust.ResponsivenessTau == 0 {
		c.Trust.ResponsivenessTau = 60
	}
	if c.Trust.ConsistencyWindow == 0 {
		c.Trust.ConsistencyWindow = 20
	}
	if c.Trust.Weights.Accuracy == 0 && c.Trust.Weights.Contribution == 0 &&
		c.Trust.Weights.Responsiveness == 0 && c.Trust.Weights.Consistency == 0 {
		c.Trust.Weights = TrustWeights{Accuracy: 0.40, Contribution: 0.20, Responsiveness: 0.20, Consistency: 0.20}
	}
	if c.Trust.DecayRate == 0 {
		c.Trust.DecayRate = 0.95
	}
	if c.Trust.DecayIntervalSec == 0 {
		c.Trust.DecayIntervalSec = 3600
	}

	if c.Consensus.Threshold == 0 {
		c.Consensus.Threshold = 2
	}
	if c.Consensus.TrustAverage == 0 {
		c.Consensus.TrustAverage = 0.6
	}
	if !c.Consensus.CriticalBypass && c.Consensus.CriticalMinTrust == 0 {
		c.Consensus.CriticalBypass = true
	}
	if c.Consensus.CriticalMinTrust == 0 {
		c.Consensus.CriticalMinTrust = 0.8
	}

	if c.IOC.TTLDays == 0 {
		c.IOC.TTLDays = 30
	}

	if c.Fabric.OutboundQueueSize == 0 {
		c.Fabric.OutboundQueueSize = 1024
	}
	if c.Fabric.HandlerTimeoutSec == 0 {
		c.Fabric.HandlerTimeoutSec = 5
	}
	if c.Fabric.HeartbeatIntervalSec == 0 {
		c.Fabric.HeartbeatIntervalSec = 30
	}

	if c.Schedule.DecayIntervalSec == 0 {
		c.Schedule.DecayIntervalSec = 3600
	}
	if c.Schedule.ExpireSweepIntervalSec == 0 {
		c.Schedule.ExpireSweepIntervalSec = 6 * 3600
	}
	if c.Schedule.HeartbeatReapIntervalSec == 0 {
		c.Schedule.HeartbeatReapIntervalSec = 30
	}

	if c.PubSub.TopicID == "" {
		c.PubSub.TopicID = "ioc-verified"
	}
}

func (c *Config) IsProduction() bool { return c.Server.Env == "production" }

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
