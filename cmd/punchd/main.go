package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"punchd/internal/app"
	"punchd/internal/db"
	"punchd/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "punchd",
	Short: "punchd governs LLM task trees",
	Long: `punchd records what an LLM agent actually did as punches, checks them against
punch cards before a task may claim success, and stops runaway tasks.
Core concepts:
- Punch: one proof of action (tool call, command, gate pass, child spawn...) derived from an agent event.
- Punch card: the rules a task must satisfy; required rules need a matching punch, forbidden rules must have none.
- Checkpoint: a stored verdict; a pass is committed to the ledger before it is reported.
- Task tree: parent tasks spawn children; a parent only passes once every child passed.
- Governor: scores running tasks and kills the ones looping without progress, then diagnoses them.
- Remediation: a bounded retry prompt built from the diagnosis.
- Event log: audit trail of every state change, view with 'punchd log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PUNCHD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("store-driver", "", "store driver override (sqlite or postgres)")
	rootCmd.PersistentFlags().String("store-dsn", "", "store DSN override")
	rootCmd.PersistentFlags().String("log-level", "", "log level override")
	for _, name := range []string{"workspace", "json", "actor-id", "store-driver", "store-dsn", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(emitCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(checkpointCmd())
	rootCmd.AddCommand(costCmd())
	rootCmd.AddCommand(killCmd())
	rootCmd.AddCommand(diagnoseCmd())
	rootCmd.AddCommand(remediateCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(cardsCmd())
	rootCmd.AddCommand(punchesCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(governorCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(streamCmd())
	rootCmd.AddCommand(ledgerCmd())
}

// --- helpers ---

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	logger := telemetry.NewLogger(os.Stderr, viper.GetString("log-level"), "text")
	rt, err := app.Open(ctx, viper.GetString("workspace"), overrides(), logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func overrides() app.Overrides {
	return app.Overrides{
		Driver:   viper.GetString("store-driver"),
		DSN:      viper.GetString("store-dsn"),
		LogLevel: viper.GetString("log-level"),
	}
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTable renders rows with go-pretty unless --json is set, in which case
// raw is printed instead.
func printTable(raw any, header table.Row, rows []table.Row) error {
	if viper.GetBool("json") {
		return printJSON(raw)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	for _, r := range rows {
		tw.AppendRow(r)
	}
	tw.Render()
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
