package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ingestledger/internal/app"
	"ingestledger/internal/config"
	"ingestledger/internal/migrate"
)

var rootCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Ingest ledger CLI",
	Long: `ledger records ingest workflow messages as executions, PDRs, granules and files.
- Messages arrive from SQS (ledger lambda), a local queue (ledger consume) or the ops API (ledger serve).
- Each message is unwrapped from its SNS or EventBridge envelope and written in order: execution, pdr, granules.
- Stale writes are dropped, so redelivered and out-of-order messages never regress a record.
- Records that could not be written go to the dead-letter sink with the error attached.`,
	SilenceUsage: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("INGESTLEDGER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (default <workspace>/"+config.FileName+")")
	flags.String("db", "", "database dsn: sqlite path or postgres url")
	flags.String("driver", "", "database driver: sqlite or postgres")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.Bool("json", false, "output JSON")
	for _, name := range []string{"workspace", "config", "db", "driver", "log-level", "json"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(writeCmd())
	rootCmd.AddCommand(enqueueCmd())
	rootCmd.AddCommand(consumeCmd())
	rootCmd.AddCommand(lambdaCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(collectionCmd())
	rootCmd.AddCommand(providerCmd())
	rootCmd.AddCommand(asyncOpCmd())
	rootCmd.AddCommand(granuleCmd())
	rootCmd.AddCommand(executionCmd())
}

func runtimeOptions() app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		Driver:     viper.GetString("driver"),
		DSN:        viper.GetString("db"),
		LogLevel:   viper.GetString("log-level"),
		LogWriter:  os.Stderr,
	}
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, runtimeOptions())
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect or create the config file"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(runtimeOptions())
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				history, err := migrate.History(rt.DB)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"dialect": rt.Dialect, "migrations": history})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.SetTitle(fmt.Sprintf("%s schema", rt.Dialect))
				tw.AppendHeader(table.Row{"Version", "Name", "Applied"})
				for _, m := range history {
					tw.AppendRow(table.Row{m.Version, m.Name, time.UnixMilli(m.AppliedAt).UTC().Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func printJSONOrLine(v any, line string) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Println(line)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
