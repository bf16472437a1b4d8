package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/vitalsd/internal/api"
	"github.com/kalambet/vitalsd/internal/config"
	"github.com/kalambet/vitalsd/internal/durablelog"
	"github.com/kalambet/vitalsd/internal/status"
)

// --- record ---

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Control the recording loop",
}

var recordStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start recording",
	RunE: func(cmd *cobra.Command, args []string) error {
		return setRecording(cmd, "/recording/start")
	},
}

var recordStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop recording",
	RunE: func(cmd *cobra.Command, args []string) error {
		return setRecording(cmd, "/recording/stop")
	},
}

type recordingResult struct {
	State   string `json:"state"`
	Changed bool   `json:"changed"`
}

func setRecording(cmd *cobra.Command, path string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.post(cmd.Context(), path, nil)
	if err != nil {
		return err
	}
	var result recordingResult
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	if result.Changed {
		printSuccess("Recording is now %s", result.State)
	} else {
		printWarning("Recording was already %s", result.State)
	}
	return nil
}

func init() {
	recordCmd.AddCommand(recordStartCmd)
	recordCmd.AddCommand(recordStopCmd)
}

// --- flush ---

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Run one recording tick now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/flush", nil)
		if err != nil {
			return err
		}
		var result api.FlushResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		keys := make([]string, 0, len(result.Logged))
		for k := range result.Logged {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			printStatus(k, "%s", strconv.FormatFloat(result.Logged[k], 'f', -1, 64))
		}
		if result.Failed > 0 {
			printWarning("Flushed %d of %d signals, %d failed", len(result.Logged), result.Observed, result.Failed)
			return nil
		}
		printSuccess("Flushed %d signals", len(result.Logged))
		return nil
	},
}

// --- context ---

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Show or change the user context attached to observations",
}

var contextShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current user context",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/context")
		if err != nil {
			return err
		}
		var body api.ContextBody
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}
		printContext(body)
		return nil
	},
}

var contextSetCmd = &cobra.Command{
	Use:   "set <normal|drinking>",
	Short: "Set the user state",
	Long: `Set the user state attached to every observation.

Examples:
  vitalsd context set normal
  vitalsd context set drinking --amount 330ml --abv 5`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := api.ContextBody{UserState: args[0]}
		if cmd.Flags().Changed("amount") {
			amount, _ := cmd.Flags().GetString("amount")
			body.DrinkAmount = &amount
		}
		if cmd.Flags().Changed("abv") {
			abv, _ := cmd.Flags().GetFloat64("abv")
			body.AlcoholPercentage = &abv
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.put(cmd.Context(), "/context", body)
		if err != nil {
			return err
		}
		var result api.ContextBody
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("User state set to %s", result.UserState)
		return nil
	},
}

var contextClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the user context",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/context")
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("User context cleared")
		return nil
	},
}

func printContext(body api.ContextBody) {
	printStatus("State", "%s", body.UserState)
	if body.DrinkAmount != nil {
		printStatus("Drink amount", "%s", *body.DrinkAmount)
	}
	if body.AlcoholPercentage != nil {
		printStatus("Alcohol", "%s%%", strconv.FormatFloat(*body.AlcoholPercentage, 'f', -1, 64))
	}
}

func init() {
	contextSetCmd.Flags().String("amount", "", "drink amount, free text")
	contextSetCmd.Flags().Float64("abv", 0, "alcohol percentage (0-100)")
	contextCmd.AddCommand(contextShowCmd)
	contextCmd.AddCommand(contextSetCmd)
	contextCmd.AddCommand(contextClearCmd)
}

// --- log ---

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Inspect the durable log",
}

var logTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print the newest log records",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("lines")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		loc, err := cfg.Location()
		if err != nil {
			return err
		}
		recs, err := durablelog.ReadFile(cfg.LogPath(), loc)
		var malformed *durablelog.MalformedLinesError
		switch {
		case err == nil:
		case errors.As(err, &malformed):
			printWarning("%v", malformed)
		case os.IsNotExist(err):
			printWarning("No log at %s yet", cfg.LogPath())
			return nil
		default:
			return fmt.Errorf("reading log: %w", err)
		}
		for _, rec := range tailRecords(recs, n) {
			fmt.Fprintln(cmd.OutOrStdout(), formatRecord(rec, loc))
		}
		return nil
	},
}

var logPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the durable log location",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), cfg.LogPath())
		return nil
	},
}

func tailRecords(recs []durablelog.Record, n int) []durablelog.Record {
	if n <= 0 || n >= len(recs) {
		return recs
	}
	return recs[len(recs)-n:]
}

func formatRecord(rec durablelog.Record, loc *time.Location) string {
	return fmt.Sprintf("%s  %-28s %s",
		rec.Timestamp.In(loc).Format("2006-01-02 15:04:05"),
		colorize(colorCyan, rec.Type.Label()),
		strconv.FormatFloat(rec.Value, 'f', -1, 64))
}

func init() {
	logTailCmd.Flags().IntP("lines", "n", 20, "number of records to show (0 for all)")
	logCmd.AddCommand(logTailCmd)
	logCmd.AddCommand(logPathCmd)
}

// --- events ---

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent pipeline events",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		kind, _ := cmd.Flags().GetString("kind")
		asJSON, _ := cmd.Flags().GetBool("json")

		q := url.Values{}
		q.Set("limit", strconv.Itoa(limit))
		if kind != "" {
			q.Set("kind", kind)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/events?"+q.Encode())
		if err != nil {
			return err
		}
		var events []status.Event
		if err := decodeJSON(resp, &events); err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(events)
		}
		for _, e := range events {
			fmt.Fprintln(cmd.OutOrStdout(), formatEvent(e))
		}
		return nil
	},
}

func formatEvent(e status.Event) string {
	kind := string(e.Kind)
	if e.Kind.Failure() {
		kind = colorize(colorRed, kind)
	} else {
		kind = colorize(colorGreen, kind)
	}
	line := fmt.Sprintf("%s  %s", e.Time.Local().Format("15:04:05"), kind)
	if e.Signal != "" {
		line += fmt.Sprintf(" %s=%s", e.Signal, strconv.FormatFloat(e.Value, 'f', -1, 64))
	}
	if e.Message != "" {
		line += "  " + e.Message
	}
	return line
}

func init() {
	eventsCmd.Flags().Int("limit", 50, "maximum number of events")
	eventsCmd.Flags().String("kind", "", "only show events of this kind")
	eventsCmd.Flags().Bool("json", false, "print raw JSON")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List settable configuration keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, k := range config.ValidKeys() {
			fmt.Fprintln(cmd.OutOrStdout(), k)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configKeysCmd)
}
