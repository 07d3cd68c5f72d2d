package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/johndauphine/tablesync/internal/checkpoint"
	"github.com/johndauphine/tablesync/internal/config"
	"github.com/johndauphine/tablesync/internal/connection"
	_ "github.com/johndauphine/tablesync/internal/driver/mssql"
	_ "github.com/johndauphine/tablesync/internal/driver/postgres"
	_ "github.com/johndauphine/tablesync/internal/driver/sqlite"
	"github.com/johndauphine/tablesync/internal/exitcodes"
	"github.com/johndauphine/tablesync/internal/logging"
	"github.com/johndauphine/tablesync/internal/mapping"
	"github.com/johndauphine/tablesync/internal/notify"
	"github.com/johndauphine/tablesync/internal/orchestrator"
	"github.com/johndauphine/tablesync/internal/progress"
	"github.com/johndauphine/tablesync/internal/secrets"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "tablesync",
		Usage:   "Incremental table migration between SQL Server, PostgreSQL and SQLite",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Value: ".env",
				Usage: "Environment file loaded before the configuration is expanded",
			},
			&cli.StringFlag{
				Name:  "state-file",
				Usage: "Use YAML state file instead of SQLite (for Airflow/headless)",
			},
			&cli.BoolFlag{
				Name:  "output-json",
				Usage: "Output JSON result to stdout on completion (logs go to stderr)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity level (debug, info, warn, error)",
			},
			&cli.BoolFlag{
				Name:  "progress-json",
				Usage: "Emit progress as JSON lines on stderr instead of a progress bar",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logging.ParseLevel(c.String("verbosity"))
			if err != nil {
				return exitcodes.NewExitError(err, exitcodes.ConfigError)
			}
			logging.SetLevel(level)

			if c.String("log-format") == "json" {
				logging.SetFormat("json")
			}

			// Keep stdout clean for the JSON result
			if c.Bool("output-json") {
				logging.SetOutput(os.Stderr)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "Migrate the active tables of a configuration",
				ArgsUsage: "<configuration-id>",
				Action:    runMigration,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "Read batches without loading them or advancing watermarks",
					},
					&cli.BoolFlag{
						Name:  "validate",
						Usage: "Validate migrated tables when the transfer completes",
					},
					&cli.StringSliceFlag{
						Name:  "tables",
						Usage: "Only migrate these mappings (id, schema.table or table name)",
					},
				},
			},
			{
				Name:      "validate",
				Usage:     "Compare row counts and sampled checksums between source and destination",
				ArgsUsage: "<configuration-id>",
				Action:    validateTables,
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:  "tables",
						Usage: "Only validate these mappings",
					},
				},
			},
			{
				Name:      "tables",
				Usage:     "List the source tables processed by a configuration",
				ArgsUsage: "<configuration-id>",
				Action:    listTables,
			},
			{
				Name:   "configs",
				Usage:  "List configurations",
				Action: listConfigurations,
			},
			{
				Name:  "history",
				Usage: "List recent runs",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Value: 20,
						Usage: "Maximum number of runs",
					},
				},
				Action: showHistory,
			},
			{
				Name:      "status",
				Usage:     "Show a run's tables, validation results and log (default: latest run)",
				ArgsUsage: "[run-id]",
				Action:    showStatus,
			},
			{
				Name:      "health",
				Usage:     "Check connectivity of a configuration's source and destination",
				ArgsUsage: "<configuration-id>",
				Action:    healthCheck,
			},
			{
				Name:  "watermarks",
				Usage: "Inspect or reset stored watermarks",
				Subcommands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "List stored watermarks",
						Action: listWatermarks,
					},
					{
						Name:      "reset",
						Usage:     "Forget a mapping's watermark so the next run starts from its start value",
						ArgsUsage: "<configuration-id> <mapping-id>",
						Action:    resetWatermark,
					},
				},
			},
			{
				Name:  "config",
				Usage: "Inspect the configuration file",
				Subcommands: []*cli.Command{
					{
						Name:   "show",
						Usage:  "Print the effective configuration with secrets masked",
						Action: showConfig,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		code := exitcodes.FromError(err)
		fmt.Fprintf(os.Stderr, "Error: %v (%s)\n", err, exitcodes.Description(code))
		os.Exit(code)
	}
}

// session bundles everything a command needs. Close releases it.
type session struct {
	cfg    *config.Config
	conns  *connection.Provider
	state  checkpoint.Backend
	orch   *orchestrator.Orchestrator
	output bool
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadWithOptions(c.String("config"), config.LoadOptions{
		EnvFile:          c.String("env-file"),
		EnvFileExplicit:  c.IsSet("env-file"),
		SuppressWarnings: c.Bool("output-json"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Config file logging settings apply unless a flag was given
	if !c.IsSet("verbosity") && cfg.Logging.Level != "" {
		if level, err := logging.ParseLevel(cfg.Logging.Level); err == nil {
			logging.SetLevel(level)
		}
	}
	if !c.IsSet("log-format") && cfg.Logging.Format == "json" {
		logging.SetFormat("json")
	}
	return cfg, nil
}

func setup(c *cli.Context) (*session, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}

	resolver, err := secrets.New(cfg.Secrets.Provider, cfg.Secrets.Prefix)
	if err != nil {
		return nil, exitcodes.NewExitError(err, exitcodes.ConfigError)
	}

	state, err := checkpoint.Open(cfg.StatePath(), c.String("state-file"))
	if err != nil {
		return nil, exitcodes.NewExitError(fmt.Errorf("opening state: %w", err), exitcodes.StateError)
	}

	opts := orchestrator.OptionsFromConfig(cfg.Migration)
	opts.Progress = progressSink(c)

	conns := connection.NewProvider(cfg.Connections, resolver)
	return &session{
		cfg:    cfg,
		conns:  conns,
		state:  state,
		orch:   orchestrator.New(cfg, conns, state, notify.New(&cfg.Slack), opts),
		output: c.Bool("output-json"),
	}, nil
}

func (a *session) Close() {
	a.orch.Close()
	if err := a.conns.Close(); err != nil {
		logging.Warn("Closing connections: %v", err)
	}
	if err := a.state.Close(); err != nil {
		logging.Warn("Closing state: %v", err)
	}
}

// progressSink picks a bar for terminals and JSON lines otherwise.
func progressSink(c *cli.Context) func(runID string) progress.Sink {
	switch {
	case c.Bool("progress-json"):
		return func(runID string) progress.Sink {
			return progress.NewJSONTracker(progress.NewJSONReporter(os.Stderr, 2*time.Second), runID)
		}
	case c.Bool("output-json") || !term.IsTerminal(int(os.Stdout.Fd())):
		return nil
	default:
		return func(string) progress.Sink { return progress.New() }
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupted. Stopping after the current batch...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func configurationArg(c *cli.Context) (string, error) {
	if c.NArg() < 1 {
		return "", exitcodes.NewExitError(fmt.Errorf("%s: configuration id required", c.Command.Name), exitcodes.ConfigError)
	}
	return c.Args().First(), nil
}

func runMigration(c *cli.Context) error {
	configID, err := configurationArg(c)
	if err != nil {
		return err
	}
	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	res, runErr := a.orch.Migrate(ctx, orchestrator.MigrationRequest{
		ConfigurationID: configID,
		Tables:          c.StringSlice("tables"),
		DryRun:          c.Bool("dry-run"),
		Validate:        c.Bool("validate"),
		TriggeredBy:     "cli",
	})
	return a.report(res, runErr)
}

func validateTables(c *cli.Context) error {
	configID, err := configurationArg(c)
	if err != nil {
		return err
	}
	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	res, runErr := a.orch.RunValidation(ctx, configID, c.StringSlice("tables"))
	return a.report(res, runErr)
}

// report prints the outcome of a run and turns it into an exit code.
func (a *session) report(res *orchestrator.RunResult, runErr error) error {
	if res == nil {
		return runErr
	}

	if a.output {
		payload := struct {
			*orchestrator.RunResult
			Error string `json:"error,omitempty"`
		}{RunResult: res}
		if runErr != nil {
			payload.Error = runErr.Error()
		}
		if err := printJSON(payload); err != nil {
			logging.Warn("Failed to output JSON: %v", err)
		}
	} else {
		orchestrator.ShowStatus(os.Stdout, &orchestrator.StatusReport{
			Run:        res.Run,
			Tables:     res.Tables,
			Validation: res.Validation,
		})
	}

	if runErr != nil {
		return runErr
	}
	switch {
	case res.Run.Status == checkpoint.RunFailed:
		return exitcodes.NewExitError(fmt.Errorf("run %s failed: %s", res.Run.ID, res.Run.Error), exitcodes.TransferError)
	case !res.ValidationPassed():
		return exitcodes.NewExitError(fmt.Errorf("run %s: validation failed", res.Run.ID), exitcodes.ValidationError)
	case res.Run.Status == checkpoint.RunCompletedWithErrors:
		return exitcodes.NewExitError(fmt.Errorf("run %s: %d tables failed", res.Run.ID, res.Run.FailedTablesCount), exitcodes.TransferError)
	}
	return nil
}

func listTables(c *cli.Context) error {
	configID, err := configurationArg(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	tables, err := mapping.NewResolver(cfg).ProcessedTables(configID)
	if err != nil {
		return err
	}
	if c.Bool("output-json") {
		return printJSON(tables)
	}
	for _, t := range tables {
		fmt.Println(t)
	}
	return nil
}

func listConfigurations(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.Bool("output-json") {
		return printJSON(cfg.Configurations)
	}

	fmt.Printf("%-20s %-8s %-15s %-15s %-8s %s\n", "ID", "Active", "Source", "Destination", "Tables", "Name")
	fmt.Println(strings.Repeat("-", 100))
	for _, conf := range cfg.Configurations {
		active := 0
		for _, m := range conf.Mappings {
			if m.Active() {
				active++
			}
		}
		fmt.Printf("%-20s %-8t %-15s %-15s %-8s %s\n",
			conf.ID, conf.Active(), conf.Source, conf.Destination,
			fmt.Sprintf("%d/%d", active, len(conf.Mappings)), conf.Name)
	}
	return nil
}

func showHistory(c *cli.Context) error {
	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.Close()

	runs, err := a.orch.History(c.Context, c.Int("limit"))
	if err != nil {
		return err
	}
	if a.output {
		return printJSON(runs)
	}
	orchestrator.ShowHistory(os.Stdout, runs)
	return nil
}

func showStatus(c *cli.Context) error {
	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.orch.Status(c.Context, c.Args().First())
	if err != nil {
		if a.output && errors.Is(err, checkpoint.ErrRunNotFound) && c.NArg() == 0 {
			return printJSON(map[string]string{"status": "no_runs"})
		}
		return err
	}
	if a.output {
		return printJSON(report)
	}
	orchestrator.ShowStatus(os.Stdout, report)
	return nil
}

func healthCheck(c *cli.Context) error {
	configID, err := configurationArg(c)
	if err != nil {
		return err
	}
	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.orch.HealthCheck(c.Context, configID)
	if err != nil {
		return err
	}
	if a.output {
		if err := printJSON(result); err != nil {
			return err
		}
	} else {
		fmt.Printf("Configuration: %s\n", result.ConfigurationID)
		for _, ep := range []struct {
			role string
			h    orchestrator.EndpointHealth
		}{{"Source", result.Source}, {"Destination", result.Destination}} {
			state := "OK"
			if !ep.h.Connected {
				state = "FAILED: " + ep.h.Error
			}
			fmt.Printf("%-12s %-15s %-10s %5dms  %s\n", ep.role+":", ep.h.Connection, ep.h.DBType, ep.h.LatencyMs, state)
		}
	}
	if !result.Healthy {
		return exitcodes.NewExitError(fmt.Errorf("health check failed for %s", configID), exitcodes.ConnectionError)
	}
	return nil
}

func listWatermarks(c *cli.Context) error {
	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.Close()

	marks, err := a.orch.Watermarks(c.Context)
	if err != nil {
		return err
	}
	if a.output {
		return printJSON(marks)
	}
	orchestrator.ShowWatermarks(os.Stdout, marks)
	return nil
}

func resetWatermark(c *cli.Context) error {
	if c.NArg() < 2 {
		return exitcodes.NewExitError(errors.New("watermarks reset: configuration id and mapping id required"), exitcodes.ConfigError)
	}
	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.Close()

	configID, mappingID := c.Args().Get(0), c.Args().Get(1)
	if err := a.orch.ResetWatermark(c.Context, configID, mappingID); err != nil {
		return err
	}
	fmt.Printf("Reset watermark of %s in %s\n", mappingID, configID)
	return nil
}

func showConfig(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.Bool("output-json") {
		return printJSON(cfg.Sanitized())
	}
	out, err := yaml.Marshal(cfg.Sanitized())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	fmt.Print(string(out))
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
