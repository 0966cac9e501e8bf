package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type ServerCfg struct {
	Port                string `mapstructure:"port"`
	Development         bool   `mapstructure:"development"`
	ReadTimeoutSeconds  int    `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `mapstructure:"write_timeout_seconds"`
}

type WSCfg struct {
	SendQueueSize        int `mapstructure:"send_queue_size"`
	MaxMessageBytes      int `mapstructure:"max_message_bytes"`
	IdleTimeoutSeconds   int `mapstructure:"idle_timeout_seconds"`
	PingIntervalSeconds  int `mapstructure:"ping_interval_seconds"`
	WriteDeadlineSeconds int `mapstructure:"write_deadline_seconds"`
	AuthGraceSeconds     int `mapstructure:"auth_grace_seconds"`
	MaxAuthAttempts      int `mapstructure:"max_auth_attempts"`
	MaxMalformedFrames   int `mapstructure:"max_malformed_frames"`
	InboundRatePerSecond int `mapstructure:"inbound_rate_per_second"`
	InboundBurst         int `mapstructure:"inbound_burst"`
}

type MongoCfg struct {
	URI string `mapstructure:"uri"`
	DB  string `mapstructure:"db"`
}

type RedisCfg struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type KafkaCfg struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	Enabled bool     `mapstructure:"enabled"`
}

type JWTCfg struct {
	Secret string `mapstructure:"secret"`
}

type Config struct {
	Server ServerCfg `mapstructure:"server"`
	WS     WSCfg     `mapstructure:"ws"`
	Mongo  MongoCfg  `mapstructure:"mongo"`
	Redis  RedisCfg  `mapstructure:"redis"`
	Kafka  KafkaCfg  `mapstructure:"kafka"`
	JWT    JWTCfg    `mapstructure:"jwt"`

	// Derived
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// config file is optional; env + defaults still apply
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, err
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.ReadTimeout = time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second
	cfg.WriteTimeout = time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8085")
	v.SetDefault("server.read_timeout_seconds", 15)
	v.SetDefault("server.write_timeout_seconds", 15)

	v.SetDefault("ws.send_queue_size", 256)
	v.SetDefault("ws.max_message_bytes", 64*1024)
	v.SetDefault("ws.idle_timeout_seconds", 60)
	v.SetDefault("ws.ping_interval_seconds", 30)
	v.SetDefault("ws.write_deadline_seconds", 10)
	v.SetDefault("ws.auth_grace_seconds", 10)
	v.SetDefault("ws.max_auth_attempts", 3)
	v.SetDefault("ws.max_malformed_frames", 8)
	v.SetDefault("ws.inbound_rate_per_second", 20)
	v.SetDefault("ws.inbound_burst", 40)

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.db", "chat")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "chat")

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "chat.message.events")
	v.SetDefault("kafka.enabled", false)
}
