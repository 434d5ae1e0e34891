// Package config loads trackflow settings from defaults, an optional config
// file, a .env file and TRACKFLOW_ environment variables, in increasing order
// of precedence.
package config

import (
	"fmt"
	"time"
)

type Config struct {
	Workspace   WorkspaceConfig   `mapstructure:"workspace" validate:"required"`
	Queue       QueueConfig       `mapstructure:"queue" validate:"required"`
	Network     NetworkConfig     `mapstructure:"network" validate:"required"`
	Storage     StorageConfig     `mapstructure:"storage" validate:"required"`
	Server      ServerConfig      `mapstructure:"server" validate:"required"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// WorkspaceConfig identifies the account events are delivered to.
type WorkspaceConfig struct {
	SiteID       string `mapstructure:"site_id" validate:"required"`
	APIKey       string `mapstructure:"api_key" validate:"required"`
	Region       string `mapstructure:"region" validate:"required,oneof=us eu"`
	IdentityType string `mapstructure:"identity_type" validate:"required,oneof=cio_id id email"`
	// TrackingAPIURL replaces the region endpoint when set.
	TrackingAPIURL string `mapstructure:"tracking_api_url" validate:"omitempty,url"`
	Platform       string `mapstructure:"platform"`
}

// QueueConfig holds the batching thresholds.
type QueueConfig struct {
	MinTasksToTrigger int `mapstructure:"min_tasks_to_trigger" validate:"gte=1"`
	MaxBatchTasks     int `mapstructure:"max_batch_tasks" validate:"gte=1"`
	MaxDelaySeconds   int `mapstructure:"max_delay_seconds" validate:"gte=1"`
}

func (q QueueConfig) MaxDelay() time.Duration {
	return time.Duration(q.MaxDelaySeconds) * time.Second
}

type NetworkConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	Client         string        `mapstructure:"client" validate:"required"`
	Version        string        `mapstructure:"version" validate:"required"`
}

func (n NetworkConfig) UserAgent() string { return fmt.Sprintf("%s/%s", n.Client, n.Version) }

type StorageConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

type ServerConfig struct {
	Addr     string `mapstructure:"addr" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error fatal"`
}

// MaintenanceConfig schedules background upkeep. An empty FlushCron disables
// the periodic flush.
type MaintenanceConfig struct {
	ExpiryCron string `mapstructure:"expiry_cron" validate:"required,cron"`
	FlushCron  string `mapstructure:"flush_cron" validate:"omitempty,cron"`
}
