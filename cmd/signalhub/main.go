// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

// signalhub runs the ETL monitoring hub: the core peer schedules and
// executes loader runs, the api peer serves the operator console.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/signalhub/signalhub/hub"
	"github.com/signalhub/signalhub/hub/hubdb"
	"github.com/signalhub/signalhub/private/cfgstruct"
)

// Config is the full process configuration.
type Config struct {
	hub.Config

	Database hubdb.Config
}

var (
	confDir string
	cfg     Config

	rootCmd = &cobra.Command{
		Use:   "signalhub",
		Short: "Signalhub ETL monitoring platform",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the core and api peers in one process",
		RunE:  cmdRun,
	}
	runCoreCmd = &cobra.Command{
		Use:   "core",
		Short: "Run only the scheduling core",
		RunE:  cmdRunCore,
	}
	runAPICmd = &cobra.Command{
		Use:   "api",
		Short: "Run only the console api",
		RunE:  cmdRunAPI,
	}
	setupCmd = &cobra.Command{
		Use:   "setup",
		Short: "Create a config file with defaults and generated secrets",
		RunE:  cmdSetup,
	}
	migrationCmd = &cobra.Command{
		Use:   "migration",
		Short: "Database schema migration",
	}
	migrationRunCmd = &cobra.Command{
		Use:   "run",
		Short: "Migrate the central store to the latest schema",
		RunE:  cmdMigrationRun,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&confDir, "config-dir", defaultConfigDir(), "directory holding config.yaml")

	rootCmd.AddCommand(runCmd)
	runCmd.AddCommand(runCoreCmd)
	runCmd.AddCommand(runAPICmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(migrationCmd)
	migrationCmd.AddCommand(migrationRunCmd)

	for _, cmd := range []*cobra.Command{runCmd, runCoreCmd, runAPICmd, setupCmd, migrationRunCmd} {
		cfgstruct.Bind(cmd.Flags(), &cfg)
	}
}

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".signalhub")
}

// loadConfig layers config file and environment over the command's flags.
func loadConfig(cmd *cobra.Command) error {
	vip := viper.New()
	vip.SetEnvPrefix("SIGNALHUB")
	vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	vip.AutomaticEnv()

	vip.SetConfigFile(filepath.Join(confDir, "config.yaml"))
	if err := vip.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return errs.Wrap(err)
			}
		}
	}
	return cfgstruct.ApplyViper(cmd.Flags(), vip)
}

func openLogger() (*zap.Logger, error) {
	return zap.NewProduction()
}

func withProcess(cmd *cobra.Command, fn func(ctx context.Context, log *zap.Logger, db *hubdb.DB) error) (err error) {
	if err := loadConfig(cmd); err != nil {
		return err
	}
	log, err := openLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := hubdb.Open(log.Named("db"), cfg.Database)
	if err != nil {
		return errs.New("error connecting to the central store: %+v", err)
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	return fn(ctx, log, db)
}

func cmdRun(cmd *cobra.Command, args []string) error {
	return withProcess(cmd, func(ctx context.Context, log *zap.Logger, db *hubdb.DB) error {
		core, err := hub.NewCore(log.Named("core"), db, cfg.Config)
		if err != nil {
			return err
		}
		api, err := hub.NewAPI(log.Named("api"), db, cfg.Config)
		if err != nil {
			return err
		}

		group, ctx := errgroup.WithContext(ctx)
		group.Go(func() error { return core.Run(ctx) })
		group.Go(func() error { return api.Run(ctx) })
		runErr := group.Wait()
		return errs.Combine(runErr, api.Close(), core.Close())
	})
}

func cmdRunCore(cmd *cobra.Command, args []string) error {
	return withProcess(cmd, func(ctx context.Context, log *zap.Logger, db *hubdb.DB) error {
		core, err := hub.NewCore(log.Named("core"), db, cfg.Config)
		if err != nil {
			return err
		}
		runErr := core.Run(ctx)
		return errs.Combine(runErr, core.Close())
	})
}

func cmdRunAPI(cmd *cobra.Command, args []string) error {
	return withProcess(cmd, func(ctx context.Context, log *zap.Logger, db *hubdb.DB) error {
		api, err := hub.NewAPI(log.Named("api"), db, cfg.Config)
		if err != nil {
			return err
		}
		runErr := api.Run(ctx)
		return errs.Combine(runErr, api.Close())
	})
}

func cmdMigrationRun(cmd *cobra.Command, args []string) error {
	return withProcess(cmd, func(ctx context.Context, log *zap.Logger, db *hubdb.DB) error {
		if err := db.MigrateToLatest(ctx); err != nil {
			return err
		}
		log.Info("central store migrated to the latest schema")
		return nil
	})
}

// cmdSetup writes config.yaml with every flag's current value, generating
// the column encryption key and the auth token secret.
func cmdSetup(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(confDir, 0o700); err != nil {
		return errs.Wrap(err)
	}
	path := filepath.Join(confDir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return errs.New("%s already exists", path)
	}

	encryptionKey, err := randomSecret(32)
	if err != nil {
		return err
	}
	tokenSecret, err := randomSecret(32)
	if err != nil {
		return err
	}

	var b strings.Builder
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if flag.Name == "config-dir" || flag.Name == "help" {
			return
		}
		value := flag.Value.String()
		switch flag.Name {
		case "database.encryption-key":
			value = encryptionKey
		case "console.auth.token-secret":
			value = tokenSecret
		}
		if flag.Usage != "" {
			fmt.Fprintf(&b, "# %s\n", flag.Usage)
		}
		fmt.Fprintf(&b, "%s: %q\n\n", flag.Name, value)
	})

	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return errs.Wrap(err)
	}
	fmt.Println("wrote", path)
	return nil
}

func randomSecret(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", errs.Wrap(err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
