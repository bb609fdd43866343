package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "CICERO"

// maxChunkSize 后端单次等值列表查询允许的最大取值个数
const maxChunkSize = 30

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Redis     RedisConfig     `mapstructure:"redis"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Resolver  ResolverConfig  `mapstructure:"resolver"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Feed      FeedConfig      `mapstructure:"feed"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// ServerConfig Workers/QueueSize 限制同时处理的 HTTP 请求
type ServerConfig struct {
	Port      int    `mapstructure:"port"`
	Mode      string `mapstructure:"mode"`
	Workers   int    `mapstructure:"workers"`
	QueueSize int    `mapstructure:"queue_size"`
}

// GRPCConfig 事务函数服务地址；引擎也通过该地址回调事务函数
type GRPCConfig struct {
	Address string `mapstructure:"address"`
}

type PostgresConfig struct {
	Host         string `mapstructure:"host"`
	Port         string `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	DBName       string `mapstructure:"dbname"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

type JWTConfig struct {
	Secret       string `mapstructure:"secret"`
	ExpireHours  int    `mapstructure:"expire_hours"`
	RefreshHours int    `mapstructure:"refresh_hours"`
}

type KafkaConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Brokers  []string       `mapstructure:"brokers"`
	Topic    string         `mapstructure:"topic"`
	GroupID  string         `mapstructure:"group_id"`
	Producer ProducerConfig `mapstructure:"producer"`
}

type ProducerConfig struct {
	MaxRetries     int `mapstructure:"max_retries"`
	RetryBackoffMs int `mapstructure:"retry_backoff_ms"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

// EngineConfig 群组同步引擎参数
type EngineConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Debounce       time.Duration `mapstructure:"debounce"`
	FetchWorkers   int           `mapstructure:"fetch_workers"`
	QueueSize      int           `mapstructure:"queue_size"`
}

// ResolverConfig 用户解析缓存参数，chunk_size 受后端等值列表查询上限约束
type ResolverConfig struct {
	ChunkSize int           `mapstructure:"chunk_size"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

type BlobConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// RateLimitConfig 每分钟请求上限，0 表示不限制
type RateLimitConfig struct {
	AuthPerMinute      int `mapstructure:"auth_per_minute"`
	FunctionsPerMinute int `mapstructure:"functions_per_minute"`
}

// FeedConfig 变更推送模式：direct 直接写 Redis，kafka 经 Kafka 中转
type FeedConfig struct {
	Mode string `mapstructure:"mode"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 9000)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.workers", 64)
	v.SetDefault("server.queue_size", 1024)
	v.SetDefault("grpc.address", "127.0.0.1:9001")

	v.SetDefault("postgres.host", "127.0.0.1")
	v.SetDefault("postgres.port", "5432")
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.dbname", "cicero")
	v.SetDefault("postgres.max_idle_conns", 10)
	v.SetDefault("postgres.max_open_conns", 50)

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.min_idle_conns", 2)

	v.SetDefault("jwt.expire_hours", 24)
	v.SetDefault("jwt.refresh_hours", 2)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic", "cicero.changes")
	v.SetDefault("kafka.group_id", "cicero-feed-relay")
	v.SetDefault("kafka.producer.max_retries", 3)
	v.SetDefault("kafka.producer.retry_backoff_ms", 100)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("engine.request_timeout", 20*time.Second)
	v.SetDefault("engine.debounce", 500*time.Millisecond)
	v.SetDefault("engine.fetch_workers", 8)
	v.SetDefault("engine.queue_size", 256)

	v.SetDefault("resolver.chunk_size", 10)
	v.SetDefault("resolver.cache_ttl", time.Hour)

	v.SetDefault("blob.base_url", "http://127.0.0.1:9000")
	v.SetDefault("feed.mode", "direct")

	v.SetDefault("rate_limit.auth_per_minute", 20)
	v.SetDefault("rate_limit.functions_per_minute", 120)
}

// LoadConfig 读取配置文件，环境变量 (CICERO_*) 覆盖文件内容。
// 文件不存在时仅使用默认值和环境变量。
func LoadConfig(path string) (*Config, error) {
	// .env 是可选的
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	if c.Resolver.ChunkSize <= 0 || c.Resolver.ChunkSize > maxChunkSize {
		return fmt.Errorf("resolver.chunk_size must be in [1, %d], got %d", maxChunkSize, c.Resolver.ChunkSize)
	}
	if c.Engine.RequestTimeout <= 0 {
		return fmt.Errorf("engine.request_timeout must be positive")
	}
	switch c.Feed.Mode {
	case "direct", "kafka":
	default:
		return fmt.Errorf("feed.mode must be direct or kafka, got %q", c.Feed.Mode)
	}
	if c.Feed.Mode == "kafka" && !c.Kafka.Enabled {
		return fmt.Errorf("feed.mode kafka requires kafka.enabled")
	}
	return nil
}
