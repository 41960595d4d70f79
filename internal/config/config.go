package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config представляет структуру конфигурации для приложения.
type Config struct {
	App struct {
		Port string `mapstructure:"port"`
		Env  string `mapstructure:"env"`
	} `mapstructure:"app"`
	Database struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"database"`
	Redis struct {
		Addr     string        `mapstructure:"addr"`
		Password string        `mapstructure:"password"`
		DB       int           `mapstructure:"db"`
		TTL      time.Duration `mapstructure:"ttl"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
	} `mapstructure:"kafka"`
	Moyasar struct {
		BaseURL        string        `mapstructure:"baseUrl"`
		APIKey         string        `mapstructure:"apiKey"`
		WebhookSecret  string        `mapstructure:"webhookSecret"`
		RequestTimeout time.Duration `mapstructure:"requestTimeout"`
		MaxRetries     int           `mapstructure:"maxRetries"`
	} `mapstructure:"moyasar"`
	Auth struct {
		JWTSecret string `mapstructure:"jwtSecret"`
	} `mapstructure:"auth"`
	Billing struct {
		// PendingTimeout - окно ожидания подтверждения оплаты, после которого
		// подписка в pending переводится в payment_failed.
		PendingTimeout time.Duration `mapstructure:"pendingTimeout"`
		// SweepInterval - период фонового обхода зависших подписок.
		SweepInterval time.Duration `mapstructure:"sweepInterval"`
		Plans         []PlanConfig  `mapstructure:"plans"`
	} `mapstructure:"billing"`
}

// PlanConfig описывает тарифный план из каталога (каталог планов ведется
// отдельным сервисом, здесь только read-only снимок: цена и длительность).
type PlanConfig struct {
	ID           string `mapstructure:"id"`
	Name         string `mapstructure:"name"`
	AmountMinor  int64  `mapstructure:"amountMinor"`
	Currency     string `mapstructure:"currency"`
	DurationDays int    `mapstructure:"durationDays"`
}

// LoadConfig загружает конфигурацию из файла или переменных окружения.
func LoadConfig(path string) (*Config, error) {
	if os.Getenv("APP_ENV") != "production" {
		// .env опционален, его отсутствие не является ошибкой
		_ = godotenv.Load(path)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")

	viper.AutomaticEnv() // Чтение переменных окружения

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// validate проверяет обязательные параметры конфигурации.
func (c *Config) validate() error {
	if c.Moyasar.WebhookSecret == "" {
		return fmt.Errorf("config: moyasar.webhookSecret is required")
	}
	if c.Billing.PendingTimeout <= 0 {
		c.Billing.PendingTimeout = 30 * time.Minute
	}
	if c.Billing.SweepInterval <= 0 {
		c.Billing.SweepInterval = 5 * time.Minute
	}
	if c.Moyasar.RequestTimeout <= 0 {
		c.Moyasar.RequestTimeout = 10 * time.Second
	}
	if c.Moyasar.MaxRetries <= 0 {
		c.Moyasar.MaxRetries = 3
	}
	if c.Redis.TTL <= 0 {
		c.Redis.TTL = 5 * time.Minute
	}
	return nil
}
