package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"maunium.net/go/mautrix/id"

	"github.com/quailyquaily/morphbridge/internal/lifecycle"
	"github.com/quailyquaily/morphbridge/internal/router"
	"github.com/quailyquaily/morphbridge/internal/trust"
)

type bridgeConfig struct {
	Homeserver  string
	UserID      id.UserID
	AccessToken string
	DeviceID    id.DeviceID
	PickleKey   string
	Rooms       []id.RoomID

	DefaultEngine string
	Engines       []string
	SendStartup   bool
	QueueSize     int
	WorkerIdle    time.Duration

	RoomBindings []router.Binding

	EditRetention time.Duration
	SweepInterval time.Duration

	Trust          trust.Config
	AllowedSenders []id.UserID

	Lifecycle lifecycle.Config
}

// bridgeConfigFromViper loads and validates the whole configuration
// surface. Invalid input fails here, before anything opens a socket or
// a database.
func bridgeConfigFromViper() (bridgeConfig, error) {
	cfg := bridgeConfig{
		Homeserver:    strings.TrimSpace(viper.GetString("matrix.homeserver")),
		UserID:        id.UserID(strings.TrimSpace(viper.GetString("matrix.user_id"))),
		AccessToken:   strings.TrimSpace(viper.GetString("matrix.access_token")),
		DeviceID:      id.DeviceID(strings.TrimSpace(viper.GetString("matrix.device_id"))),
		PickleKey:     viper.GetString("matrix.pickle_key"),
		DefaultEngine: strings.TrimSpace(viper.GetString("bridge.default_engine")),
		Engines:       viper.GetStringSlice("bridge.engines"),
		SendStartup:   viper.GetBool("bridge.send_startup_message"),
		QueueSize:     viper.GetInt("bridge.queue_size"),
		WorkerIdle:    viper.GetDuration("bridge.worker_idle_after"),
		EditRetention: viper.GetDuration("normalize.edit_retention"),
		SweepInterval: viper.GetDuration("normalize.sweep_interval"),
		Trust: trust.Config{
			ReshareMaxAttempts: viper.GetInt("trust.reshare_max_attempts"),
			ReshareBackoffBase: viper.GetDuration("trust.reshare_backoff_base"),
			ReshareBackoffMax:  viper.GetDuration("trust.reshare_backoff_max"),
			DecryptHoldTimeout: viper.GetDuration("trust.decrypt_hold_timeout"),
			RotationMaxAge:     viper.GetDuration("trust.rotation_max_age"),
			VerifyingTimeout:   viper.GetDuration("trust.verifying_timeout"),
		},
		Lifecycle: lifecycle.Config{
			DrainTimeout:      viper.GetDuration("lifecycle.drain_timeout"),
			CheckpointRetries: viper.GetInt("lifecycle.checkpoint_retries"),
			ReplayLimit:       viper.GetInt("lifecycle.replay_limit"),
		},
	}

	for _, room := range viper.GetStringSlice("matrix.rooms") {
		room = strings.TrimSpace(room)
		if room != "" {
			cfg.Rooms = append(cfg.Rooms, id.RoomID(room))
		}
	}
	for _, sender := range viper.GetStringSlice("trust.allowed_senders") {
		sender = strings.TrimSpace(sender)
		if sender != "" {
			cfg.AllowedSenders = append(cfg.AllowedSenders, id.UserID(sender))
		}
	}

	if cfg.Homeserver == "" {
		return cfg, fmt.Errorf("missing matrix.homeserver")
	}
	if cfg.UserID == "" {
		return cfg, fmt.Errorf("missing matrix.user_id")
	}
	if cfg.AccessToken == "" {
		return cfg, fmt.Errorf("missing matrix.access_token (set via MORPH_BRIDGE_MATRIX_ACCESS_TOKEN)")
	}
	if cfg.DefaultEngine == "" {
		return cfg, fmt.Errorf("missing bridge.default_engine")
	}

	registered := map[string]bool{}
	for _, engineID := range cfg.Engines {
		engineID = strings.TrimSpace(engineID)
		if engineID != "" {
			registered[engineID] = true
		}
	}
	if !registered[cfg.DefaultEngine] {
		return cfg, fmt.Errorf("bridge.default_engine %q is not in bridge.engines", cfg.DefaultEngine)
	}

	bindings, err := roomBindingsFromViper(registered)
	if err != nil {
		return cfg, err
	}
	cfg.RoomBindings = bindings

	for key, d := range map[string]time.Duration{
		"normalize.edit_retention":   cfg.EditRetention,
		"trust.reshare_backoff_base": cfg.Trust.ReshareBackoffBase,
		"trust.decrypt_hold_timeout": cfg.Trust.DecryptHoldTimeout,
		"trust.rotation_max_age":     cfg.Trust.RotationMaxAge,
		"lifecycle.drain_timeout":    cfg.Lifecycle.DrainTimeout,
	} {
		if d <= 0 {
			return cfg, fmt.Errorf("%s must be a positive duration", key)
		}
	}

	return cfg, nil
}

// roomBindingsFromViper reads bridge.rooms, a map keyed by room id.
// Room ids contain the viper key delimiter, so the map is read whole
// instead of path-accessed.
func roomBindingsFromViper(registered map[string]bool) ([]router.Binding, error) {
	raw := viper.GetStringMap("bridge.rooms")
	out := make([]router.Binding, 0, len(raw))
	for roomKey, value := range raw {
		entry, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("bridge.rooms.%s must be a table", roomKey)
		}
		binding := router.Binding{RoomID: id.RoomID(roomKey)}
		if engineID, ok := entry["engine"].(string); ok && strings.TrimSpace(engineID) != "" {
			engineID = strings.TrimSpace(engineID)
			if !registered[engineID] {
				return nil, fmt.Errorf("bridge.rooms.%s.engine %q is not in bridge.engines", roomKey, engineID)
			}
			binding.DefaultEngine = engineID
		}
		if project, ok := entry["project"].(string); ok && strings.TrimSpace(project) != "" {
			name, branch, _ := strings.Cut(strings.TrimSpace(project), "@")
			binding.Project = name
			binding.Branch = branch
		}
		if mode, ok := entry["trigger"].(string); ok && strings.TrimSpace(mode) != "" {
			mode = strings.ToLower(strings.TrimSpace(mode))
			if mode != router.TriggerAll && mode != router.TriggerMentions {
				return nil, fmt.Errorf("bridge.rooms.%s.trigger %q must be all or mentions", roomKey, mode)
			}
			binding.TriggerMode = mode
		}
		out = append(out, binding)
	}
	return out, nil
}
