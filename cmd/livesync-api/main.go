package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bracketlab/livesync/internal/auth"
	"github.com/bracketlab/livesync/internal/config"
	"github.com/bracketlab/livesync/internal/database"
	"github.com/bracketlab/livesync/internal/gateway"
	"github.com/bracketlab/livesync/internal/logging"
	"github.com/bracketlab/livesync/internal/orgs"
	"github.com/bracketlab/livesync/internal/ratelimit"
	"github.com/bracketlab/livesync/internal/room"
	"github.com/bracketlab/livesync/internal/server"
	"github.com/bracketlab/livesync/internal/storage"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "livesync-api",
		Short: "Tournament state-sync service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("allowed-origins", defaults.GetString("http.allowed_origins"), "Comma-separated websocket origin allow-list")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for shared rate-limit counters (empty for in-process)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("identity-signing-secret", "", "Identity token signing secret (overrides env)")
	cmd.PersistentFlags().String("room-signing-secret", "", "Room token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.identity_signing_secret", "identity-signing-secret")
	bindFlag(cmd, "auth.room_signing_secret", "room-signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	snapshotStore, err := storage.NewStore(storage.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	autosaver := storage.NewAutosaver(snapshotStore, appConfig.AutosaveDebounce, logger)
	persistence := storage.NewDocumentPersistence(snapshotStore, autosaver)

	orgService, err := orgs.NewService(orgs.ServiceConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	var counterStore ratelimit.CounterStore
	if appConfig.RedisAddress != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: appConfig.RedisAddress})
		counterStore, err = ratelimit.NewRedisStore(redisClient)
		if err != nil {
			return err
		}
		defer redisClient.Close()
	} else {
		logger.Warn("no redis address configured, rate-limit counters are process-local")
		counterStore = ratelimit.NewMemoryStore(time.Now)
	}

	limiter, err := ratelimit.NewLimiter(ratelimit.Config{
		Store:      counterStore,
		Connection: ratelimit.Budget{Limit: appConfig.ConnRate, Window: appConfig.RateWindow},
		User:       ratelimit.Budget{Limit: appConfig.UserRate, Window: appConfig.RateWindow},
		Org:        ratelimit.Budget{Limit: appConfig.OrgRate, Window: appConfig.RateWindow},
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	rooms, err := room.NewManager(room.Config{
		MaxRooms:              appConfig.MaxRooms,
		MaxRoomsPerOrg:        appConfig.MaxRoomsPerOrg,
		MaxConnectionsPerRoom: appConfig.MaxConnsPerRoom,
		GracePeriod:           appConfig.RoomGracePeriod,
		Persistence:           persistence,
		Policies:              orgService,
		Logger:                logger,
	})
	if err != nil {
		return err
	}

	identityVerifier, err := auth.NewIdentityVerifier(auth.IdentityVerifierConfig{
		SigningSecret: []byte(appConfig.IdentitySigningSecret),
		Issuer:        appConfig.IdentityIssuer,
	})
	if err != nil {
		return err
	}
	roomTokenVerifier, err := auth.NewRoomTokenVerifier(auth.RoomTokenVerifierConfig{
		SigningSecret: []byte(appConfig.RoomSigningSecret),
	})
	if err != nil {
		return err
	}

	authenticator, err := gateway.NewAuthenticator(gateway.AuthenticatorConfig{
		AllowedOrigins: appConfig.AllowedOrigins,
		Identity:       identityVerifier,
		RoomTokens:     roomTokenVerifier,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	wsGateway, err := gateway.New(gateway.Config{
		Authenticator:    authenticator,
		Rooms:            rooms,
		Limiter:          limiter,
		MaxPayloadBytes:  appConfig.MaxPayloadBytes,
		HandshakeTimeout: appConfig.HandshakeTimeout,
		KeepAlive:        appConfig.KeepAlive,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		GatewayHandler: wsGateway.Handle,
		Identity:       identityVerifier,
		Rooms:          rooms,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		rooms.Destroy(shutdownCtx)
		autosaver.Close()
		return nil
	case err := <-errCh:
		return err
	}
}
