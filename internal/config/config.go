package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"

	defaultJWTSecret = "your-secret-key"
)

type Config struct {
	Server    ServerConfig    `json:"server"`
	Store     StoreConfig     `json:"store"`
	Database  DatabaseConfig  `json:"database"`
	Redis     RedisConfig     `json:"redis"`
	Worker    WorkerConfig    `json:"worker"`
	Auth      AuthConfig      `json:"auth"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	CORS      CORSConfig      `json:"cors"`
	Log       LogConfig       `json:"log"`
}

type ServerConfig struct {
	Host            string        `json:"host"             env:"HOST"             env-default:"localhost"`
	Port            string        `json:"port"             env:"PORT"             env-default:"8080"`
	ReadTimeout     time.Duration `json:"read_timeout"     env:"READ_TIMEOUT"     env-default:"30s"`
	WriteTimeout    time.Duration `json:"write_timeout"    env:"WRITE_TIMEOUT"    env-default:"30s"`
	IdleTimeout     time.Duration `json:"idle_timeout"     env:"IDLE_TIMEOUT"     env-default:"60s"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" env-default:"10s"`
	Environment     string        `json:"environment"      env:"ENVIRONMENT"      env-default:"development"`
}

// StoreConfig selects and tunes the document store backend.
type StoreConfig struct {
	Backend            string        `json:"backend"              env:"STORE_BACKEND"              env-default:"memory"`
	SQLitePath         string        `json:"sqlite_path"          env:"SQLITE_PATH"                env-default:"hierarchy.db"`
	LinkMaxRetries     int           `json:"link_max_retries"     env:"LINK_MAX_RETRIES"           env-default:"10"`
	OpTimeout          time.Duration `json:"op_timeout"           env:"STORE_OP_TIMEOUT"           env-default:"3s"`
	FanOut             int           `json:"fan_out"              env:"STORE_FAN_OUT"              env-default:"8"`
	BreakerMaxFailures int           `json:"breaker_max_failures" env:"STORE_BREAKER_MAX_FAILURES" env-default:"5"`
	BreakerTimeout     time.Duration `json:"breaker_timeout"      env:"STORE_BREAKER_TIMEOUT"      env-default:"30s"`
}

type DatabaseConfig struct {
	Host            string        `json:"host"               env:"DB_HOST"               env-default:"localhost"`
	Port            string        `json:"port"               env:"DB_PORT"               env-default:"5432"`
	User            string        `json:"user"               env:"DB_USER"               env-default:"postgres"`
	Password        string        `json:"password"           env:"DB_PASSWORD"`
	Name            string        `json:"name"               env:"DB_NAME"               env-default:"task_hierarchy"`
	SSLMode         string        `json:"ssl_mode"           env:"DB_SSL_MODE"           env-default:"disable"`
	MaxOpenConns    int           `json:"max_open_conns"     env:"DB_MAX_OPEN_CONNS"     env-default:"25"`
	MaxIdleConns    int           `json:"max_idle_conns"     env:"DB_MAX_IDLE_CONNS"     env-default:"10"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"  env:"DB_CONN_MAX_LIFETIME"  env-default:"1h"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" env:"DB_CONN_MAX_IDLE_TIME" env-default:"30m"`
}

type RedisConfig struct {
	Host         string        `json:"host"           env:"REDIS_HOST"           env-default:"localhost"`
	Port         string        `json:"port"           env:"REDIS_PORT"           env-default:"6379"`
	Password     string        `json:"password"       env:"REDIS_PASSWORD"`
	DB           int           `json:"db"             env:"REDIS_DB"             env-default:"0"`
	PoolSize     int           `json:"pool_size"      env:"REDIS_POOL_SIZE"      env-default:"10"`
	MinIdleConns int           `json:"min_idle_conns" env:"REDIS_MIN_IDLE_CONNS" env-default:"5"`
	MaxRetries   int           `json:"max_retries"    env:"REDIS_MAX_RETRIES"    env-default:"3"`
	DialTimeout  time.Duration `json:"dial_timeout"   env:"REDIS_DIAL_TIMEOUT"   env-default:"5s"`
	ReadTimeout  time.Duration `json:"read_timeout"   env:"REDIS_READ_TIMEOUT"   env-default:"3s"`
	WriteTimeout time.Duration `json:"write_timeout"  env:"REDIS_WRITE_TIMEOUT"  env-default:"3s"`
	KeyPrefix    string        `json:"key_prefix"     env:"REDIS_KEY_PREFIX"     env-default:"hierarchy"`
}

// WorkerConfig drives the orphan cleanup worker. It needs Redis even when
// documents live elsewhere.
type WorkerConfig struct {
	Enabled        bool          `json:"enabled"          env:"WORKER_ENABLED"          env-default:"false"`
	Concurrency    int           `json:"concurrency"      env:"WORKER_CONCURRENCY"      env-default:"4"`
	PollInterval   time.Duration `json:"poll_interval"    env:"WORKER_POLL_INTERVAL"    env-default:"5s"`
	MaxTries       int           `json:"max_tries"        env:"WORKER_MAX_TRIES"        env-default:"5"`
	RetryBaseDelay time.Duration `json:"retry_base_delay" env:"WORKER_RETRY_BASE_DELAY" env-default:"1s"`
}

type AuthConfig struct {
	Enabled   bool   `json:"enabled"    env:"AUTH_ENABLED" env-default:"false"`
	JWTSecret string `json:"jwt_secret" env:"JWT_SECRET"   env-default:"your-secret-key"`
	JWTIssuer string `json:"jwt_issuer" env:"JWT_ISSUER"`
}

type RateLimitConfig struct {
	Enabled         bool          `json:"enabled"             env:"RATE_LIMIT_ENABLED" env-default:"true"`
	RequestsPerMin  int           `json:"requests_per_minute" env:"RATE_LIMIT_RPM"     env-default:"100"`
	BurstSize       int           `json:"burst_size"          env:"RATE_LIMIT_BURST"   env-default:"10"`
	CleanupInterval time.Duration `json:"cleanup_interval"    env:"RATE_LIMIT_CLEANUP" env-default:"10m"`
}

type CORSConfig struct {
	AllowedOrigins []string `json:"allowed_origins" env:"CORS_ALLOWED_ORIGINS" env-default:"http://localhost:3000"`
}

type LogConfig struct {
	Level  string `json:"level"  env:"LOG_LEVEL"  env-default:"info"`
	Format string `json:"format" env:"LOG_FORMAT" env-default:"json"`
}

func LoadConfig() (*Config, error) {
	var config Config
	if err := cleanenv.ReadEnv(&config); err != nil {
		return nil, fmt.Errorf("config: read env: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendRedis, BackendPostgres, BackendSQLite:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.IsProduction() && c.Store.Backend == BackendPostgres && c.Database.Password == "" {
		return fmt.Errorf("database password is required in production")
	}

	if c.IsProduction() && c.Auth.Enabled && c.Auth.JWTSecret == defaultJWTSecret {
		return fmt.Errorf("JWT secret must be set in production")
	}

	return nil
}

func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Redis.Host, c.Redis.Port)
}

func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// NeedsRedis reports whether any enabled component talks to Redis.
func (c *Config) NeedsRedis() bool {
	return c.Store.Backend == BackendRedis || c.Worker.Enabled
}
