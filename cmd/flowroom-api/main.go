package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/flowroom/internal/auth"
	"github.com/MarcoPoloResearchLab/flowroom/internal/collab"
	"github.com/MarcoPoloResearchLab/flowroom/internal/config"
	"github.com/MarcoPoloResearchLab/flowroom/internal/database"
	"github.com/MarcoPoloResearchLab/flowroom/internal/logging"
	"github.com/MarcoPoloResearchLab/flowroom/internal/server"
	"github.com/MarcoPoloResearchLab/flowroom/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "flowroom-api",
		Short: "Real-time collaboration rooms for workflow canvases",
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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Duration("idle-timeout", defaults.GetDuration("room.idle_timeout"), "Evict participants idle for longer than this")
	cmd.PersistentFlags().Duration("sweep-interval", defaults.GetDuration("room.sweep_interval"), "Interval between idle sweeps")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Bool("require-session", defaults.GetBool("auth.required"), "Reject upgrades without a valid session")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "room.idle_timeout", "idle-timeout")
	bindFlag(cmd, "room.sweep_interval", "sweep-interval")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.required", "require-session")
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

	deps := server.Dependencies{
		RequireSession: appConfig.SessionRequired,
		AllowedOrigins: appConfig.AllowedOrigins,
		Transport: server.TransportConfig{
			MaxMessageBytes:   appConfig.MaxMessageBytes,
			SendBuffer:        appConfig.SendBuffer,
			MessagesPerSecond: appConfig.MessagesPerSecond,
			MessageBurst:      appConfig.MessageBurst,
		},
		Logger: logger,
	}

	if appConfig.SessionsEnabled() {
		sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
			SigningSecret: []byte(appConfig.SessionSigningSecret),
			Issuer:        appConfig.SessionIssuer,
			CookieName:    appConfig.SessionCookieName,
		})
		if err != nil {
			return err
		}
		directory, err := users.NewService(users.ServiceConfig{
			Database: db,
			Clock:    time.Now,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		deps.Sessions = sessionValidator
		deps.Directory = directory
	}

	hub := collab.NewHub(collab.HubConfig{
		IdleTimeout:   appConfig.IdleTimeout,
		SweepInterval: appConfig.SweepInterval,
		Logger:        logger,
	})
	defer hub.Close()
	deps.Hub = hub

	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Bool("sessions_enabled", appConfig.SessionsEnabled()),
			zap.Duration("idle_timeout", appConfig.IdleTimeout),
		)
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
