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

	"github.com/MarcoPoloResearchLab/tradewind/internal/app"
	"github.com/MarcoPoloResearchLab/tradewind/internal/config"
	"github.com/MarcoPoloResearchLab/tradewind/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "tradewind-sync",
		Short:        "Client-side sync core for the Tradewind B2B network",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}
	setupFlags(rootCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the sync core and the local API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "groups",
		Short: "Fetch the notification center once and print its groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGroups(cmd.Context(), cmd)
		},
	})
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Local API listen address")
	cmd.PersistentFlags().String("backend-url", "", "Backend base URL")
	cmd.PersistentFlags().String("backend-token", "", "Backend session token (overrides env)")
	cmd.PersistentFlags().String("realtime-url", "", "Realtime websocket URL")
	cmd.PersistentFlags().String("journal-dsn", defaults.GetString("journal.dsn"), "Mutation journal SQLite DSN")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "backend.base_url", "backend-url")
	bindFlag(cmd, "backend.token", "backend-token")
	bindFlag(cmd, "realtime.url", "realtime-url")
	bindFlag(cmd, "journal.dsn", "journal-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
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

func newClient() (*app.Client, config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, config.AppConfig{}, nil, err
	}
	client, err := app.NewClient(app.Options{Config: appConfig, Logger: logger})
	if err != nil {
		_ = logger.Sync()
		return nil, config.AppConfig{}, nil, err
	}
	return client, appConfig, logger, nil
}

func runServe(ctx context.Context) error {
	client, appConfig, logger, err := newClient()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	handler, err := client.Handler()
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return client.Run(groupCtx)
	})
	group.Go(func() error {
		logger.Info("local api starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("actor", client.Actor().ID))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	runErr := group.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := client.Close(closeCtx); err != nil {
		logger.Warn("client close incomplete", zap.Error(err))
	}
	if runErr != nil {
		return fmt.Errorf("serve: %w", runErr)
	}
	logger.Info("local api stopped")
	return nil
}

func runGroups(ctx context.Context, cmd *cobra.Command) error {
	client, appConfig, logger, err := newClient()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	fetchCtx, cancel := context.WithTimeout(ctx, appConfig.RequestTimeout)
	defer cancel()
	groups, loadErr := client.LoadNotificationGroups(fetchCtx)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer closeCancel()
	closeErr := client.Close(closeCtx)
	if loadErr != nil {
		return loadErr
	}
	renderGroups(cmd.OutOrStdout(), groups)
	return closeErr
}
