package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	MySQL   MySQLConfig   `mapstructure:"mysql"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	ETCD    ETCDConfig    `mapstructure:"etcd"`
	GraphQL GraphQLConfig `mapstructure:"graphql"`
	Bus     BusConfig     `mapstructure:"bus"`
	Lock    LockConfig    `mapstructure:"lock"`
	Voting  VotingConfig  `mapstructure:"voting"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Log     LogConfig     `mapstructure:"log"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type MySQLConfig struct {
	Master       string `mapstructure:"master"`
	Slave        string `mapstructure:"slave"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	// 启动时自动建表
	Migrate bool `mapstructure:"migrate"`
}

type RedisConfig struct {
	// 票数和广播使用的Redis
	DataAddress string        `mapstructure:"data_address"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Timeout     time.Duration `mapstructure:"timeout"`
	KeyPrefix   string        `mapstructure:"key_prefix"`

	// Redlock使用的Redis节点
	LockAddresses []string `mapstructure:"lock_addresses"`
}

type KafkaConfig struct {
	Brokers           []string      `mapstructure:"brokers"`
	DeltaTopic        string        `mapstructure:"delta_topic"`
	NotificationTopic string        `mapstructure:"notification_topic"`
	BatchTimeout      time.Duration `mapstructure:"batch_timeout"`
}

type ETCDConfig struct {
	Endpoints      []string      `mapstructure:"endpoints"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type GraphQLConfig struct {
	Path string `mapstructure:"path"`
}

type BusConfig struct {
	// redis | kafka | memory（memory只适用于单实例部署）
	Backend    string `mapstructure:"backend"`
	BufferSize int    `mapstructure:"buffer_size"`
}

type LockConfig struct {
	// redis | etcd | local（local只适用于单实例部署）
	Backend       string        `mapstructure:"backend"`
	TTL           time.Duration `mapstructure:"ttl"`
	Wait          time.Duration `mapstructure:"wait"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

type VotingConfig struct {
	AllowAnonymous      bool          `mapstructure:"allow_anonymous"`
	NotificationTimeout time.Duration `mapstructure:"notification_timeout"`
}

type AuthConfig struct {
	JWTSecret      string        `mapstructure:"jwt_secret"`
	CookieHashKey  string        `mapstructure:"cookie_hash_key"`
	CookieBlockKey string        `mapstructure:"cookie_block_key"`
	CookieMaxAge   time.Duration `mapstructure:"cookie_max_age"`
	CookieSecure   bool          `mapstructure:"cookie_secure"`
	AdminToken     string        `mapstructure:"admin_token"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

const EnvPrefix = "LIVEPOLL"

var AppConfig Config

// SetDefaults 注册所有默认值
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("redis.data_address", "localhost:6379")
	v.SetDefault("redis.pool_size", 50)
	v.SetDefault("redis.max_retries", 2)
	v.SetDefault("redis.timeout", 3*time.Second)
	v.SetDefault("redis.key_prefix", "livepoll:")
	v.SetDefault("kafka.delta_topic", "poll-deltas")
	v.SetDefault("kafka.notification_topic", "poll-notifications")
	v.SetDefault("kafka.batch_timeout", 10*time.Millisecond)
	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("etcd.request_timeout", 3*time.Second)
	v.SetDefault("graphql.path", "/graphql")
	v.SetDefault("bus.backend", "redis")
	v.SetDefault("bus.buffer_size", 64)
	v.SetDefault("lock.backend", "redis")
	v.SetDefault("lock.ttl", 5*time.Second)
	v.SetDefault("lock.wait", 3*time.Second)
	v.SetDefault("lock.retry_interval", 20*time.Millisecond)
	v.SetDefault("voting.allow_anonymous", false)
	v.SetDefault("voting.notification_timeout", 3*time.Second)
	v.SetDefault("auth.cookie_max_age", 365*24*time.Hour)
	v.SetDefault("log.level", "info")
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(configPath)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	AppConfig = cfg
	return &AppConfig, nil
}

// Validate 检查后端选择和必填项
func (c *Config) Validate() error {
	switch c.Bus.Backend {
	case "redis", "kafka", "memory":
	default:
		return fmt.Errorf("不支持的广播后端: %q", c.Bus.Backend)
	}
	switch c.Lock.Backend {
	case "redis", "etcd", "local":
	default:
		return fmt.Errorf("不支持的锁后端: %q", c.Lock.Backend)
	}
	if c.Bus.Backend == "kafka" && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka广播需要配置 kafka.brokers")
	}
	if c.Lock.Backend == "etcd" && len(c.ETCD.Endpoints) == 0 {
		return fmt.Errorf("etcd锁需要配置 etcd.endpoints")
	}
	if c.Lock.Backend == "redis" && len(c.Redis.LockAddresses) == 0 {
		return fmt.Errorf("redis锁需要配置 redis.lock_addresses")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret 不能为空")
	}
	if c.Voting.AllowAnonymous && c.Auth.CookieHashKey == "" {
		return fmt.Errorf("开启匿名投票时 auth.cookie_hash_key 不能为空")
	}
	switch len(c.Auth.CookieBlockKey) {
	case 0, 16, 24, 32:
	default:
		return fmt.Errorf("auth.cookie_block_key 长度必须是16、24或32字节")
	}
	return nil
}
