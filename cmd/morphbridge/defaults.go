package main

import (
	"time"

	"github.com/spf13/viper"
)

func initViperDefaults() {
	// Global
	viper.SetDefault("file_state_dir", "")
	viper.SetDefault("db.dsn", "")

	// Bridge
	viper.SetDefault("bridge.default_engine", "")
	viper.SetDefault("bridge.engines", []string{})
	viper.SetDefault("bridge.send_startup_message", false)
	viper.SetDefault("bridge.queue_size", 32)
	viper.SetDefault("bridge.worker_idle_after", 10*time.Minute)

	// Matrix
	viper.SetDefault("matrix.homeserver", "")
	viper.SetDefault("matrix.user_id", "")
	viper.SetDefault("matrix.access_token", "")
	viper.SetDefault("matrix.device_id", "")
	viper.SetDefault("matrix.rooms", []string{})
	viper.SetDefault("matrix.pickle_key", "")

	// Normalizer
	viper.SetDefault("normalize.edit_retention", 5*time.Minute)
	viper.SetDefault("normalize.sweep_interval", 30*time.Second)

	// Trust / key manager
	viper.SetDefault("trust.reshare_max_attempts", 5)
	viper.SetDefault("trust.reshare_backoff_base", 2*time.Second)
	viper.SetDefault("trust.reshare_backoff_max", time.Minute)
	viper.SetDefault("trust.decrypt_hold_timeout", 30*time.Second)
	viper.SetDefault("trust.rotation_max_age", 7*24*time.Hour)
	viper.SetDefault("trust.verifying_timeout", 10*time.Minute)
	viper.SetDefault("trust.allowed_senders", []string{})

	// Lifecycle
	viper.SetDefault("lifecycle.replay_limit", 200)
	viper.SetDefault("lifecycle.checkpoint_retries", 3)
	viper.SetDefault("lifecycle.drain_timeout", 30*time.Second)
}
