package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"trackflow/internal/scheduler"
)

const envPrefix = "TRACKFLOW"

var defaults = map[string]any{
	"workspace.region":           "us",
	"workspace.identity_type":    "id",
	"workspace.platform":         "android",
	"queue.min_tasks_to_trigger": 5,
	"queue.max_batch_tasks":      30,
	"queue.max_delay_seconds":    30,
	"network.request_timeout":    "30s",
	"network.client":             "trackflow",
	"network.version":            "1.0.0",
	"storage.path":               "trackflow.db",
	"server.addr":                ":8080",
	"server.log_level":           "info",
	"maintenance.expiry_cron":    "@every 1h",
	"maintenance.flush_cron":     "@every 5m",
}

// keys without a default still have to be known to viper for env lookup.
var requiredKeys = []string{
	"workspace.site_id",
	"workspace.api_key",
	"workspace.tracking_api_url",
}

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment are used.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file %s: %w", path, err)
			}
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range requiredKeys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("bind env for %s: %w", k, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	cfg.Workspace.Region = strings.ToLower(cfg.Workspace.Region)
	cfg.Workspace.IdentityType = strings.ToLower(cfg.Workspace.IdentityType)

	if err := newValidator().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func newValidator() *validator.Validate {
	validate := validator.New()
	_ = validate.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		return scheduler.ValidateCronExpression(fl.Field().String()) == nil
	})
	return validate
}
