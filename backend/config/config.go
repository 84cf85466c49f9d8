package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port     int    `mapstructure:"port"`
		LogLevel string `mapstructure:"logLevel"`
	} `mapstructure:"running"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		Secret     string        `mapstructure:"secret"`
		ConnectTTL time.Duration `mapstructure:"connectTtl"`
	} `mapstructure:"auth"`
	Collab struct {
		GraceWindow      time.Duration `mapstructure:"graceWindow"`
		SnapshotInterval time.Duration `mapstructure:"snapshotInterval"`
		HistoryCap       int           `mapstructure:"historyCap"`
		ChatCap          int           `mapstructure:"chatCap"`
		QueueSize        int           `mapstructure:"queueSize"`
		HeartbeatTimeout time.Duration `mapstructure:"heartbeatTimeout"`
		PresenceTTL      time.Duration `mapstructure:"presenceTtl"`
	} `mapstructure:"collab"`
}

// Load reads collabConfig.yaml, searching the paths the server is commonly
// started from. Environment variables override the file, so secrets like
// COLLAB_AUTH_SECRET need not live in yaml.
func Load() (*Config, error) {
	cfg := &Config{}
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("collab")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
