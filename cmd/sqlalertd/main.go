package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opsql/sqlalertd/internal/alertstate"
	"github.com/opsql/sqlalertd/internal/daemon"
	"github.com/opsql/sqlalertd/internal/executor"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var cliCfg = daemon.DefaultConfig()

var rootCmd = &cobra.Command{
	Use:     "sqlalertd",
	Short:   "sqlalertd - SQL-first alerting daemon",
	Long:    `sqlalertd executes operator-declared SQL queries on a schedule and notifies on ALERT/OK transitions`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runDaemon())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sqlalertd %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var triggerCmd = &cobra.Command{
	Use:   "trigger <alert-name>",
	Short: "Run one alert immediately and print its execution record",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runOneShot(args[0], executor.Options{}))
	},
}

var dryRunCmd = &cobra.Command{
	Use:   "dry-run <alert-name>",
	Short: "Run one alert without persisting state or sending notifications",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runOneShot(args[0], executor.Options{DryRun: true}))
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge <alert-name>",
	Short: "Permanently delete an alert's state and execution history from the state store",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runPurge(args[0]))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cliCfg.ConfigPath, "config", cliCfg.ConfigPath, "path to the alert definition YAML file")
	rootCmd.PersistentFlags().StringVar(&cliCfg.DotEnvPath, "env-file", cliCfg.DotEnvPath, "optional .env file for credential substitution")
	rootCmd.PersistentFlags().StringVar(&cliCfg.CredentialsFile, "credentials-file", cliCfg.CredentialsFile, "optional YAML file of name: connection-string pairs for @name credential references")
	rootCmd.PersistentFlags().StringVar(&cliCfg.StateDBPath, "state-db", cliCfg.StateDBPath, "path to the sqlite state store file")
	rootCmd.PersistentFlags().StringVar(&cliCfg.MetricsAddr, "metrics-addr", cliCfg.MetricsAddr, "listen address for /metrics and /healthz")
	rootCmd.PersistentFlags().DurationVar(&cliCfg.DrainDeadline, "drain-deadline", cliCfg.DrainDeadline, "time to wait for in-flight runs on shutdown")
	rootCmd.PersistentFlags().StringVar(&cliCfg.SMTPHost, "smtp-host", "", "SMTP host for email notifications (unset disables the channel)")
	rootCmd.PersistentFlags().IntVar(&cliCfg.SMTPPort, "smtp-port", cliCfg.SMTPPort, "SMTP port")
	rootCmd.PersistentFlags().StringVar(&cliCfg.SMTPUser, "smtp-user", "", "SMTP username")
	rootCmd.PersistentFlags().StringVar(&cliCfg.SMTPPass, "smtp-pass", "", "SMTP password")
	rootCmd.PersistentFlags().StringVar(&cliCfg.SMTPFrom, "smtp-from", "", "SMTP from address")

	rootCmd.AddCommand(versionCmd, triggerCmd, dryRunCmd, purgeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(daemon.ExitInvalidArgs)
	}
}

func initLogger() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func runDaemon() int {
	initLogger()

	d, err := daemon.New(cliCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize daemon")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := startMetricsServer(ctx, cliCfg.MetricsAddr, d); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped unexpectedly")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	reloadChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	signal.Notify(reloadChan, syscall.SIGHUP)

	go func() {
		for {
			select {
			case <-reloadChan:
				// The Config Watcher already reloads on file change; SIGHUP
				// exists for operators used to signaling a daemon directly.
				log.Info().Msg("received SIGHUP, reload is handled by the config watcher")
			case <-sigChan:
				log.Info().Msg("shutting down")
				cancel()
				return
			}
		}
	}()

	return d.Run(ctx)
}

// runOneShot loads the current alert set, finds name, and executes it once
// without starting the scheduler, printing the resulting ExecutionRecord as
// JSON to stdout.
func runOneShot(name string, opts executor.Options) int {
	initLogger()

	d, err := daemon.New(cliCfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize daemon")
		return daemon.ExitConfigLoadFailure
	}
	defer d.Store.Close()
	defer d.Adapters.CloseAll()

	result, err := d.Watcher.Start()
	if err != nil {
		log.Error().Err(err).Msg("failed to load alert definitions")
		return daemon.ExitConfigLoadFailure
	}
	defer d.Watcher.Stop()

	for ref, conn := range result.Databases {
		if err := d.Adapters.Register(ref, conn); err != nil {
			log.Error().Err(err).Str("ref", ref).Msg("failed to register database connection")
			return daemon.ExitConfigLoadFailure
		}
	}

	var record alertstate.Record
	found := false
	for _, def := range result.Definitions {
		if def.Name != name {
			continue
		}
		found = true
		record = d.Executor.Execute(context.Background(), def, alertstate.TriggeredByManual, opts)
	}
	if !found {
		fmt.Fprintf(os.Stderr, "no alert named %q in %s\n", name, cliCfg.ConfigPath)
		return daemon.ExitInvalidArgs
	}

	encoded, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("failed to encode execution record")
		return daemon.ExitInvalidArgs
	}
	fmt.Println(string(encoded))

	if record.Outcome == alertstate.OutcomeError {
		return daemon.ExitInvalidArgs
	}
	return daemon.ExitClean
}

// runPurge opens the state store directly (no config load, no scheduler)
// and deletes name's state and history rows. Intended for an operator
// cleaning up after removing an alert from the definitions file.
func runPurge(name string) int {
	initLogger()

	d, err := daemon.New(cliCfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize state store")
		return daemon.ExitConfigLoadFailure
	}
	defer d.Store.Close()
	defer d.Watcher.Stop()

	if err := d.Store.Purge(name); err != nil {
		log.Error().Err(err).Str("alert", name).Msg("failed to purge alert state")
		return daemon.ExitInvalidArgs
	}
	fmt.Printf("purged state and history for %q\n", name)
	return daemon.ExitClean
}
