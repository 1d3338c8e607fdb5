package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/whyuds/cursor-usage-server/internal/auth"
	"github.com/whyuds/cursor-usage-server/internal/config"
	"github.com/whyuds/cursor-usage-server/internal/database"
	"github.com/whyuds/cursor-usage-server/internal/logging"
	"github.com/whyuds/cursor-usage-server/internal/presence"
	"github.com/whyuds/cursor-usage-server/internal/server"
	"github.com/whyuds/cursor-usage-server/internal/usage"
	"go.uber.org/zap"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "cursor-usage-api",
		Short: "Usage and presence tracking backend for Cursor clients",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

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
	cmd.PersistentFlags().Int("offline-threshold", defaults.GetInt("presence.offline_threshold"), "Seconds of silence before a client is marked offline")
	cmd.PersistentFlags().Int("sweep-period", defaults.GetInt("presence.sweep_period"), "Seconds between stale sweeps")
	cmd.PersistentFlags().String("signing-secret", "", "Agent token signing secret (overrides env; empty disables auth)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "presence.offline_threshold", "offline-threshold")
	bindFlag(cmd, "presence.sweep_period", "sweep-period")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

func newTokenCommand() *cobra.Command {
	var email string
	var ttlDays int

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an agent bearer token",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if appConfig.SigningSecret == "" {
				return errors.New("auth.signing_secret must be configured to mint tokens")
			}

			tokens := auth.NewAgentTokens(auth.AgentTokenConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				TokenTTL:      time.Duration(ttlDays) * 24 * time.Hour,
			})
			signed, expiresIn, err := tokens.Issue(email)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", signed)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %d seconds\n", expiresIn)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Agent email the token identifies")
	cmd.Flags().IntVar(&ttlDays, "ttl-days", 90, "Token lifetime in days")
	_ = cmd.MarkFlagRequired("email")
	return cmd
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

	dispatcher := server.NewRealtimeDispatcher()

	presenceService, err := presence.NewService(presence.ServiceConfig{
		Database: db,
		Logger:   logger,
		Notifier: dispatcher,
	})
	if err != nil {
		return err
	}

	usageService, err := usage.NewService(usage.ServiceConfig{
		Database:   db,
		IDProvider: usage.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	sweeper, err := presence.NewSweeper(presence.SweeperConfig{
		Store:            presenceService,
		OfflineThreshold: appConfig.OfflineThreshold,
		SweepPeriod:      appConfig.SweepPeriod,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	var tokenValidator server.TokenValidator
	if appConfig.SigningSecret != "" {
		tokenValidator = auth.NewAgentTokens(auth.AgentTokenConfig{
			SigningSecret: []byte(appConfig.SigningSecret),
		})
	} else {
		logger.Warn("auth.signing_secret not configured, ingress runs unauthenticated")
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Presence:   presenceService,
		Usage:      usageService,
		Dispatcher: dispatcher,
		Tokens:     tokenValidator,
		Logger:     logger,
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

	sweeper.Start(signalCtx)
	defer sweeper.Stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Duration("offline_threshold", appConfig.OfflineThreshold),
			zap.Duration("sweep_period", appConfig.SweepPeriod))
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
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
