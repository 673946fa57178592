package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/app"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/backend"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/config"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/database"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/engine"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/logging"
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
		Use:   "gravity-sync",
		Short: "Local-first sync client and reference backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newBackendCommand(), newClientCommand(), newSyncCommand(), newStatusCommand(), newResetCursorCommand(), newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", "", "Also write logs to this rotated file")
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("client.database_path"), "Client SQLite database path")
	cmd.PersistentFlags().String("remote-url", defaults.GetString("client.remote_url"), "Backend base URL")
	cmd.PersistentFlags().String("access-token", "", "Bearer token for the backend")
	cmd.PersistentFlags().StringSlice("tables", defaults.GetStringSlice("client.tables"), "Synced tables")

	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
	bindFlag(cmd, "backend.signing_secret", "signing-secret")
	bindFlag(cmd, "client.database_path", "database-path")
	bindFlag(cmd, "client.remote_url", "remote-url")
	bindFlag(cmd, "client.access_token", "access-token")
	bindFlag(cmd, "client.tables", "tables")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func bindLocalFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
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

func newBackendCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Serve the reference sync backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackend(cmd.Context())
		},
	}
	defaults := config.NewViper()
	cmd.Flags().String("http-address", defaults.GetString("backend.http_address"), "HTTP listen address")
	cmd.Flags().String("backend-database-path", defaults.GetString("backend.database_path"), "Backend SQLite database path")
	cmd.Flags().Duration("token-ttl", defaults.GetDuration("backend.token_ttl"), "Access token lifetime")
	bindLocalFlag(cmd, "backend.http_address", "http-address")
	bindLocalFlag(cmd, "backend.database_path", "backend-database-path")
	bindLocalFlag(cmd, "backend.token_ttl", "token-ttl")
	return cmd
}

func newClientCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "client",
		Short: "Run the sync client until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd.Context())
		},
	}
}

func newSyncCommand() *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle and print its report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, client *app.Client) error {
				var report engine.Report
				var err error
				if full {
					report, err = client.Engine.ForceFullSync(ctx)
				} else {
					report, err = client.Engine.PerformSync(ctx)
				}
				if err != nil {
					return err
				}
				printReport(cmd.OutOrStdout(), report)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "Reset the cursor and hydrate every table")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the local sync status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, client *app.Client) error {
				status, err := client.Engine.Status(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "state: %s\n", status.State)
				fmt.Fprintf(out, "device: %s\n", status.DeviceID)
				fmt.Fprintf(out, "pending: %d\n", status.Pending)
				if !status.LastSyncAt.IsZero() {
					fmt.Fprintf(out, "last sync: %s\n", status.LastSyncAt.Format(time.RFC3339))
				}
				if status.LastError != nil {
					fmt.Fprintf(out, "last error: %s\n", status.LastError.Error())
				}
				return nil
			})
		},
	}
}

func newResetCursorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-cursor",
		Short: "Forget the pull cursor so the next sync hydrates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, client *app.Client) error {
				return client.Engine.ResetSyncCursor(ctx)
			})
		},
	}
}

func newTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token signed with the backend secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			backendConfig, err := config.LoadBackend(viper.GetViper())
			if err != nil {
				return err
			}
			tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(backendConfig.SigningSecret),
				Issuer:        backend.TokenIssuer,
				Audience:      backend.TokenAudience,
				TokenTTL:      backendConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := tokens.IssueToken(cmd.Context(), subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "User id the token is issued for")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func runBackend(ctx context.Context) error {
	backendConfig, err := config.LoadBackend(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(backendConfig.Log.Level, backendConfig.Log.File)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenBackend(backendConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	backendServer, err := backend.New(backend.Config{
		Database:       db,
		SigningSecret:  backendConfig.SigningSecret,
		TokenTTL:       backendConfig.TokenTTL,
		IssuingSecret:  backendConfig.IssuingSecret,
		Tables:         backendConfig.Tables,
		AllowedOrigins: backendConfig.AllowedOrigins,
		Clock:          time.Now,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    backendConfig.HTTPAddress,
		Handler: backendServer.Handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("backend starting", zap.String("address", backendConfig.HTTPAddress), zap.Strings("tables", backendConfig.Tables))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runClient(ctx context.Context) error {
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return withClient(signalCtx, func(runCtx context.Context, client *app.Client) error {
		unsubscribe := client.Engine.OnSyncComplete(func(report engine.Report) {
			if report.Skipped {
				return
			}
			zap.L().Info("sync complete",
				zap.Int("pushed", report.Pushed),
				zap.Int("pulled", report.Pulled),
				zap.Int("conflicts", report.Conflicts))
		})
		defer unsubscribe()
		return client.Run(runCtx)
	})
}

// withClient builds a client from configuration, runs fn and closes the client.
func withClient(ctx context.Context, fn func(context.Context, *app.Client) error) error {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(clientConfig.Log.Level, clientConfig.Log.File)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	restore := zap.ReplaceGlobals(logger)
	defer restore()

	client, err := app.NewClient(clientConfig, app.ClientOptions{Logger: logger})
	if err != nil {
		return err
	}
	defer client.Close()

	return fn(ctx, client)
}

func printReport(out io.Writer, report engine.Report) {
	if report.Skipped {
		fmt.Fprintln(out, "skipped: another sync cycle is running")
		return
	}
	fmt.Fprintf(out, "pushed: %d\n", report.Pushed)
	fmt.Fprintf(out, "pulled: %d\n", report.Pulled)
	fmt.Fprintf(out, "conflicts: %d\n", report.Conflicts)
	fmt.Fprintf(out, "reconciled: %d\n", report.Reconciled)
	if report.Hydrated {
		fmt.Fprintln(out, "hydrated: true")
	}
	for _, discarded := range report.Discarded {
		fmt.Fprintf(out, "discarded: %s/%s %s after %d retries\n", discarded.Table, discarded.EntityID, discarded.Operation, discarded.Retries)
	}
	if !report.Cursor.IsZero() {
		fmt.Fprintf(out, "cursor: %s\n", report.Cursor.Format(time.RFC3339Nano))
	}
}
