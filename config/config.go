package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Service    ServiceConfig    `mapstructure:"service"`
	DB         DBConfig         `mapstructure:"db"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Study      ClientConfig     `mapstructure:"study"`
	Member     ClientConfig     `mapstructure:"member"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Payment    PaymentConfig    `mapstructure:"payment"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Jaeger     JaegerConfig     `mapstructure:"jaeger"`
}

type ServiceConfig struct {
	Name     string `mapstructure:"name"`
	HTTPAddr string `mapstructure:"http_addr"`
	GRPCAddr string `mapstructure:"grpc_addr"`
}

type DBConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

type KafkaConfig struct {
	Broker        string      `mapstructure:"broker"`
	GroupID       string      `mapstructure:"group_id"`
	Topics        KafkaTopics `mapstructure:"topics"`
	HandleRetries int         `mapstructure:"handle_retries"`
	RelaySchedule string      `mapstructure:"relay_schedule"`
	RelayBatch    int         `mapstructure:"relay_batch"`
}

func (c KafkaConfig) Brokers() []string {
	return strings.Split(c.Broker, ",")
}

type KafkaTopics struct {
	StudyCreated       string `mapstructure:"study_created"`
	PaymentEnrollment  string `mapstructure:"payment_enrollment"`
	RefundRequest      string `mapstructure:"refund_request"`
	StudyStatusChanged string `mapstructure:"study_status_changed"`
}

type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	ViewTTL  time.Duration `mapstructure:"view_ttl"`
}

type GatewayConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	SecretKey    string        `mapstructure:"secret_key"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxFailures  int           `mapstructure:"max_failures"`
	ResetTimeout time.Duration `mapstructure:"reset_timeout"`
}

type ClientConfig struct {
	Addr    string        `mapstructure:"addr"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SettlementConfig struct {
	Schedule        string        `mapstructure:"schedule"`
	BatchSize       int           `mapstructure:"batch_size"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffCap      time.Duration `mapstructure:"backoff_cap"`
	ProcessingLease time.Duration `mapstructure:"processing_lease"`
	Parallelism     int           `mapstructure:"parallelism"`
	ItemConcurrency int           `mapstructure:"item_concurrency"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
	RefundReason    string        `mapstructure:"refund_reason"`
}

type PaymentConfig struct {
	ReconcileSchedule    string        `mapstructure:"reconcile_schedule"`
	ExecutingTimeout     time.Duration `mapstructure:"executing_timeout"`
	MaxReconcileAttempts int           `mapstructure:"max_reconcile_attempts"`
	ReconcileBatch       int           `mapstructure:"reconcile_batch"`
}

type LedgerConfig struct {
	RecoverySchedule   string        `mapstructure:"recovery_schedule"`
	ReservationTimeout time.Duration `mapstructure:"reservation_timeout"`
	Retention          time.Duration `mapstructure:"retention"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type JaegerConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "study-payment-service")
	v.SetDefault("service.http_addr", ":8083")
	v.SetDefault("service.grpc_addr", ":50053")

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.password", "postgres")
	v.SetDefault("db.name", "paymentdb")
	v.SetDefault("db.sslmode", "disable")

	v.SetDefault("kafka.broker", "localhost:9092")
	v.SetDefault("kafka.group_id", "study-payment-service")
	v.SetDefault("kafka.topics.study_created", "study.created")
	v.SetDefault("kafka.topics.payment_enrollment", "payment.enrollment")
	v.SetDefault("kafka.topics.refund_request", "refund.request")
	v.SetDefault("kafka.topics.study_status_changed", "study.status-changed")
	v.SetDefault("kafka.handle_retries", 3)
	v.SetDefault("kafka.relay_schedule", "@every 2s")
	v.SetDefault("kafka.relay_batch", 100)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.view_ttl", 5*time.Minute)

	v.SetDefault("gateway.base_url", "https://api.tosspayments.com")
	v.SetDefault("gateway.secret_key", "")
	v.SetDefault("gateway.timeout", 10*time.Second)
	v.SetDefault("gateway.max_failures", 5)
	v.SetDefault("gateway.reset_timeout", 30*time.Second)

	v.SetDefault("study.addr", "localhost:50061")
	v.SetDefault("study.timeout", 5*time.Second)
	v.SetDefault("member.addr", "localhost:50062")
	v.SetDefault("member.timeout", 5*time.Second)

	v.SetDefault("settlement.schedule", "@every 10m")
	v.SetDefault("settlement.batch_size", 50)
	v.SetDefault("settlement.max_attempts", 5)
	v.SetDefault("settlement.backoff_base", time.Minute)
	v.SetDefault("settlement.backoff_cap", time.Hour)
	v.SetDefault("settlement.processing_lease", 15*time.Minute)
	v.SetDefault("settlement.parallelism", 4)
	v.SetDefault("settlement.item_concurrency", 8)
	v.SetDefault("settlement.lock_ttl", 30*time.Minute)
	v.SetDefault("settlement.refund_reason", "STUDY_DEPOSIT_REFUND")

	v.SetDefault("payment.reconcile_schedule", "@every 1m")
	v.SetDefault("payment.executing_timeout", 5*time.Minute)
	v.SetDefault("payment.max_reconcile_attempts", 6)
	v.SetDefault("payment.reconcile_batch", 100)

	v.SetDefault("ledger.recovery_schedule", "@every 5m")
	v.SetDefault("ledger.reservation_timeout", 10*time.Minute)
	v.SetDefault("ledger.retention", 30*24*time.Hour)

	v.SetDefault("auth.jwt_secret", "change-me")
	v.SetDefault("jaeger.endpoint", "http://localhost:14268/api/traces")
}

// envAliases keeps the flat variable names the deployment manifests already use.
var envAliases = map[string]string{
	"db.host":         "DB_HOST",
	"db.port":         "DB_PORT",
	"db.user":         "DB_USER",
	"db.password":     "DB_PASSWORD",
	"db.name":         "DB_NAME",
	"kafka.broker":    "KAFKA_BROKER",
	"redis.host":      "REDIS_HOST",
	"redis.port":      "REDIS_PORT",
	"redis.password":  "REDIS_PASSWORD",
	"jaeger.endpoint": "JAEGER_ENDPOINT",
	"auth.jwt_secret": "JWT_SECRET",
}

// Load reads .env (if present), an optional config file, then environment variables.
// Later sources override earlier ones.
func Load(configFile string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envAliases {
		if err := v.BindEnv(key, strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}
