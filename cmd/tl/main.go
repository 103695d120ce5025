package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/holiman/uint256"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tenderline/internal/app"
	"tenderline/internal/db"
	"tenderline/internal/domain"
	"tenderline/internal/engine"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Tenderline CLI",
	Long: `Tenderline runs public tenders with sealed bids and milestone escrow.
Core concepts:
- Workspace: the .tenderline directory holding the state store, next to tenderline.yml.
- Owner: the principal allowed to open tenders (config owner).
- Tender: a call for bids with a max budget, an auditor, and two deadlines.
- Sealed bid: keccak256(amount, nonce, bidder), submitted before the submission deadline.
- Reveal: opening the commitment before the reveal deadline; bids above budget or zero are invalid.
- Winner: the lowest valid bid, ties going to the earliest submission.
- Milestones: the auditor approves them in order; each credits the winner an equal share.
- Withdraw: the winner pulls accumulated credit out as a transfer.
- Deadlines hold on two clocks, wall time and the logical operation counter; either one closes a window.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		slog.SetDefault(newLogger())
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
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
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TENDERLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "", "principal performing the operation")
	flags.String("owner", "", "owner principal used when tenderline.yml is absent")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")
	for _, name := range []string{"workspace", "json", "actor-id", "owner", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tenderCmd())
	rootCmd.AddCommand(bidCmd())
	rootCmd.AddCommand(milestoneCmd())
	rootCmd.AddCommand(balanceCmd())
	rootCmd.AddCommand(withdrawCmd())
	rootCmd.AddCommand(transfersCmd())
	rootCmd.AddCommand(clockCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelWarn
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(viper.GetString("log-format"), "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	ws, err := app.Open(ctx, viper.GetString("workspace"), viper.GetString("owner"))
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withWorkspace(ctx, func(ctx context.Context, ws *app.Workspace) error {
		return fn(ctx, ws.Engine(slog.Default()))
	})
}

func actorID() (string, error) {
	actor := strings.TrimSpace(viper.GetString("actor-id"))
	if actor == "" {
		return "", fmt.Errorf("--actor-id (or TENDERLINE_ACTOR_ID) is required")
	}
	return actor, nil
}

func parseTenderID(arg string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid tender id %q", arg)
	}
	return id, nil
}

func parseAmount(flag, s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("--%s required", flag)
	}
	v, err := domain.ParseAmount(s)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", flag, err)
	}
	return v, nil
}

// printObject writes a single record as indented JSON; --json changes nothing.
func printObject(v any) error {
	return printJSON(v)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTable renders rows as a table, or v as JSON under --json.
func printTable(v any, header table.Row, rows []table.Row) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.Render()
	return nil
}

func decimal(v *uint256.Int) string {
	if v == nil {
		return "-"
	}
	return v.Dec()
}
