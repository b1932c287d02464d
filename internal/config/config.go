package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "LIVESYNC"

	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "livesync.db"
	defaultLogLevel         = "info"
	defaultMaxPayloadBytes  = 1 << 20
	defaultHandshakeTimeout = 10 * time.Second
	defaultKeepAlive        = 60 * time.Second
	defaultAutosaveDebounce = 2 * time.Second
	defaultRoomGracePeriod  = 10 * time.Second
	defaultMaxRooms         = 500
	defaultMaxRoomsPerOrg   = 20
	defaultMaxConnsPerRoom  = 100
	defaultRateWindow       = 10 * time.Second
	defaultConnRateLimit    = 100
	defaultUserRateLimit    = 200
	defaultOrgRateLimit     = 2000
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string

	IdentitySigningSecret string
	IdentityIssuer        string
	RoomSigningSecret     string

	MaxPayloadBytes  int64
	HandshakeTimeout time.Duration
	KeepAlive        time.Duration

	RedisAddress string
	RateWindow   time.Duration
	ConnRate     int64
	UserRate     int64
	OrgRate      int64

	MaxRooms        int
	MaxRoomsPerOrg  int
	MaxConnsPerRoom int
	RoomGracePeriod time.Duration

	DatabasePath     string
	AutosaveDebounce time.Duration

	LogLevel string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", "")
	configViper.SetDefault("auth.identity_issuer", "livesync")
	configViper.SetDefault("ws.max_payload_bytes", defaultMaxPayloadBytes)
	configViper.SetDefault("ws.handshake_timeout", defaultHandshakeTimeout)
	configViper.SetDefault("ws.keep_alive", defaultKeepAlive)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("rate.window", defaultRateWindow)
	configViper.SetDefault("rate.connection", defaultConnRateLimit)
	configViper.SetDefault("rate.user", defaultUserRateLimit)
	configViper.SetDefault("rate.org", defaultOrgRateLimit)
	configViper.SetDefault("rooms.max", defaultMaxRooms)
	configViper.SetDefault("rooms.max_per_org", defaultMaxRoomsPerOrg)
	configViper.SetDefault("rooms.max_conns_per_room", defaultMaxConnsPerRoom)
	configViper.SetDefault("rooms.grace_period", defaultRoomGracePeriod)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.autosave_debounce", defaultAutosaveDebounce)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:           configViper.GetString("http.address"),
		AllowedOrigins:        splitOrigins(configViper.GetString("http.allowed_origins")),
		IdentitySigningSecret: configViper.GetString("auth.identity_signing_secret"),
		IdentityIssuer:        configViper.GetString("auth.identity_issuer"),
		RoomSigningSecret:     configViper.GetString("auth.room_signing_secret"),
		MaxPayloadBytes:       configViper.GetInt64("ws.max_payload_bytes"),
		HandshakeTimeout:      configViper.GetDuration("ws.handshake_timeout"),
		KeepAlive:             configViper.GetDuration("ws.keep_alive"),
		RedisAddress:          configViper.GetString("redis.address"),
		RateWindow:            configViper.GetDuration("rate.window"),
		ConnRate:              configViper.GetInt64("rate.connection"),
		UserRate:              configViper.GetInt64("rate.user"),
		OrgRate:               configViper.GetInt64("rate.org"),
		MaxRooms:              configViper.GetInt("rooms.max"),
		MaxRoomsPerOrg:        configViper.GetInt("rooms.max_per_org"),
		MaxConnsPerRoom:       configViper.GetInt("rooms.max_conns_per_room"),
		RoomGracePeriod:       configViper.GetDuration("rooms.grace_period"),
		DatabasePath:          configViper.GetString("database.path"),
		AutosaveDebounce:      configViper.GetDuration("database.autosave_debounce"),
		LogLevel:              configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.IdentitySigningSecret) == "" {
		return fmt.Errorf("auth.identity_signing_secret is required")
	}
	if strings.TrimSpace(c.RoomSigningSecret) == "" {
		return fmt.Errorf("auth.room_signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.MaxPayloadBytes <= 0 {
		return fmt.Errorf("ws.max_payload_bytes must be positive")
	}
	return nil
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, origin := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
