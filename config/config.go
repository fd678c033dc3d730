package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Host string `mapstructure:"host" json:"host,omitempty"`
		Port int64  `mapstructure:"port" json:"port,omitempty"`
	} `mapstructure:"server" json:"server"`

	Database struct {
		DSN string `mapstructure:"dsn" json:"dsn,omitempty"`
	} `mapstructure:"database" json:"database,omitempty"`

	Redis struct {
		Host     string `mapstructure:"host" json:"host,omitempty"`
		Port     string `mapstructure:"port" json:"port,omitempty"`
		User     string `mapstructure:"user" json:"user,omitempty"`
		Password string `mapstructure:"password" json:"password,omitempty"`
		DB       int    `mapstructure:"db" json:"db,omitempty"`
	} `mapstructure:"redis" json:"redis,omitempty"`

	Venue struct {
		URL string `mapstructure:"url" json:"url,omitempty"`
	} `mapstructure:"venue" json:"venue,omitempty"`

	Treasury struct {
		URL string `mapstructure:"url" json:"url,omitempty"`
	} `mapstructure:"treasury" json:"treasury,omitempty"`

	Scheduler struct {
		// PollSeconds is how often due time triggers are scanned.
		PollSeconds int `mapstructure:"poll_seconds" json:"poll_seconds,omitempty"`
		BatchSize   int `mapstructure:"batch_size" json:"batch_size,omitempty"`
	} `mapstructure:"scheduler" json:"scheduler,omitempty"`

	Worker struct {
		Concurrency int `mapstructure:"concurrency" json:"concurrency,omitempty"`
		// SettleMaxRetry bounds how long a pending swap result is polled
		// before the execution is declared stuck.
		SettleMaxRetry int `mapstructure:"settle_max_retry" json:"settle_max_retry,omitempty"`
	} `mapstructure:"worker" json:"worker,omitempty"`

	Datadog struct {
		Host string `mapstructure:"host" json:"host,omitempty"`
		Port string `mapstructure:"port" json:"port,omitempty"`
	} `mapstructure:"datadog" json:"datadog"`
}

func GetConfigure() (*Config, error) {
	configName := os.Getenv("DCAVAULT_CONFIG_NAME")
	if configName == "" {
		configName = "config"
	}

	return ReadConfig(configName)
}

func ReadConfig(configName string) (*Config, error) {
	viper.SetConfigName(configName)
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	viper.SetDefault("scheduler.poll_seconds", 30)
	viper.SetDefault("scheduler.batch_size", 100)
	viper.SetDefault("worker.concurrency", 10)
	viper.SetDefault("worker.settle_max_retry", 20)

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("fail to reading config file, %w", err)
	}
	var cfg Config
	err := viper.Unmarshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to decode into struct, %w", err)
	}
	return &cfg, nil
}
