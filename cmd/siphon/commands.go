package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/siphon/internal/config"
)

// --- subscribe ---

var subscribeCmd = &cobra.Command{
	Use:   "subscribe <type> <identifier>",
	Short: "Subscribe to a source",
	Long: `Subscribe to a source.

Examples:
  siphon subscribe news https://example.com/feed.xml
  siphon subscribe forum golang
  siphon subscribe aggregator top
  siphon subscribe codehost golang/go
  siphon subscribe preprint cs.LG
  siphon subscribe video @somechannel
  siphon subscribe podcast https://example.com/podcast.rss
  siphon subscribe social https://example.social/@someone`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]string{
			"type":       args[0],
			"identifier": args[1],
		}
		if name != "" {
			req["name"] = name
		}

		resp, err := client.post("/subscriptions", req)
		if err != nil {
			return err
		}

		var sub struct {
			SourceType string `json:"source_type"`
			Identifier string `json:"identifier"`
		}
		if err := decodeJSON(resp, &sub); err != nil {
			return err
		}

		printSuccess("Subscribed to %s %s", sub.SourceType, sub.Identifier)
		return nil
	},
}

// --- unsubscribe ---

var unsubscribeCmd = &cobra.Command{
	Use:   "unsubscribe <type> <identifier>",
	Short: "Remove a subscription",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/subscriptions?type=%s&identifier=%s",
			url.QueryEscape(args[0]), url.QueryEscape(args[1]))
		resp, err := client.delete(path)
		if err != nil {
			return err
		}

		var result struct {
			Removed bool `json:"removed"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if !result.Removed {
			printWarning("No such subscription: %s %s", args[0], args[1])
			return nil
		}
		printSuccess("Unsubscribed from %s %s", args[0], args[1])
		return nil
	},
}

// --- subscriptions ---

var subscriptionsCmd = &cobra.Command{
	Use:   "subscriptions",
	Short: "List subscriptions",
	RunE: func(cmd *cobra.Command, args []string) error {
		sourceType, _ := cmd.Flags().GetString("type")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/subscriptions"
		if sourceType != "" {
			path += "?type=" + url.QueryEscape(sourceType)
		}
		resp, err := client.get(path)
		if err != nil {
			return err
		}

		var subs []struct {
			SourceType string `json:"source_type"`
			Identifier string `json:"identifier"`
			Name       string `json:"name"`
			LastPollAt string `json:"last_poll_at"`
		}
		if err := decodeJSON(resp, &subs); err != nil {
			return err
		}

		if len(subs) == 0 {
			fmt.Println("No subscriptions.")
			return nil
		}

		for _, sub := range subs {
			line := fmt.Sprintf("%s  %s",
				colorize(colorCyan, fmt.Sprintf("%-10s", sub.SourceType)),
				sub.Identifier,
			)
			if sub.Name != "" {
				line += fmt.Sprintf("  (%s)", sub.Name)
			}
			if sub.LastPollAt != "" {
				line += fmt.Sprintf("  last poll %s", sub.LastPollAt)
			}
			fmt.Println(line)
		}
		return nil
	},
}

// --- check ---

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Poll subscriptions for new items",
	RunE: func(cmd *cobra.Command, args []string) error {
		sourceType, _ := cmd.Flags().GetString("type")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var req map[string]string
		if sourceType != "" {
			req = map[string]string{"type": sourceType}
		}
		resp, err := client.post("/check", req)
		if err != nil {
			return err
		}

		var outcomes []struct {
			SourceType string `json:"source_type"`
			Identifier string `json:"identifier"`
			OK         bool   `json:"ok"`
			Inserted   int    `json:"inserted"`
			Enqueued   int    `json:"enqueued"`
			Error      string `json:"error"`
		}
		if err := decodeJSON(resp, &outcomes); err != nil {
			return err
		}

		if len(outcomes) == 0 {
			fmt.Println("No subscriptions to check.")
			return nil
		}

		total := 0
		for _, o := range outcomes {
			if !o.OK {
				printError("%s %s: %s", o.SourceType, o.Identifier, o.Error)
				continue
			}
			total += o.Inserted
			msg := fmt.Sprintf("%s %s: %d new", o.SourceType, o.Identifier, o.Inserted)
			if o.Enqueued > 0 {
				msg += fmt.Sprintf(" (%d queued for transcription)", o.Enqueued)
			}
			fmt.Println("  " + msg)
		}
		printSuccess("%d new items", total)
		return nil
	},
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Full-text search over ingested items and transcripts",
	Long: `Full-text search over ingested items and transcripts.

Queries support AND, OR, NOT, "quoted phrases", and parentheses.
Bare terms are combined with AND.

Examples:
  siphon search "garbage collector"
  siphon search rust AND async --type forum
  siphon search '"model collapse" OR overfitting' --limit 5`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		sourceType, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/search?q=%s&limit=%d", url.QueryEscape(query), limit)
		if sourceType != "" {
			path += "&type=" + url.QueryEscape(sourceType)
		}
		resp, err := client.get(path)
		if err != nil {
			return err
		}

		var results []struct {
			SourceType string  `json:"source_type"`
			Title      string  `json:"title"`
			URL        string  `json:"url"`
			Score      float64 `json:"score"`
			Segment    *struct {
				Start float64 `json:"start"`
				End   float64 `json:"end"`
				Text  string  `json:"text"`
			} `json:"segment"`
		}
		if err := decodeJSON(resp, &results); err != nil {
			return err
		}

		if len(results) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		for i, r := range results {
			fmt.Printf("\n%s [%s]\n", colorize(colorBold, fmt.Sprintf("%d. %s", i+1, r.Title)), r.SourceType)
			if r.URL != "" {
				fmt.Printf("   %s\n", r.URL)
			}
			if r.Segment != nil {
				fmt.Printf("   [%.0fs–%.0fs] %s\n", r.Segment.Start, r.Segment.End, r.Segment.Text)
			}
		}
		return nil
	},
}

// --- items ---

var itemsCmd = &cobra.Command{
	Use:   "items",
	Short: "List recent feed items",
	RunE: func(cmd *cobra.Command, args []string) error {
		sourceType, _ := cmd.Flags().GetString("type")
		sourceID, _ := cmd.Flags().GetString("source")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/items?limit=%d", limit)
		if sourceType != "" {
			path += "&type=" + url.QueryEscape(sourceType)
		}
		if sourceID != "" {
			path += "&source=" + url.QueryEscape(sourceID)
		}
		resp, err := client.get(path)
		if err != nil {
			return err
		}

		var items []struct {
			SourceType  string `json:"source_type"`
			Title       string `json:"title"`
			URL         string `json:"url"`
			PublishedAt string `json:"published_at"`
			Transcribed bool   `json:"transcribed"`
		}
		if err := decodeJSON(resp, &items); err != nil {
			return err
		}

		if len(items) == 0 {
			fmt.Println("No items found.")
			return nil
		}

		for _, item := range items {
			marker := " "
			if item.Transcribed {
				marker = colorize(colorGreen, "T")
			}
			fmt.Printf("%s %s  %s  %s\n",
				marker,
				colorize(colorCyan, fmt.Sprintf("%-10s", item.SourceType)),
				item.PublishedAt,
				item.Title,
			)
		}
		return nil
	},
}

// --- clip ---

var clipCmd = &cobra.Command{
	Use:   "clip <media-ref>",
	Short: "Extract a clip from a media file or URL",
	Long: `Extract a clip from a media file or URL.

Examples:
  siphon clip ./episode.mp3 --start 125 --end 180
  siphon clip https://example.com/episode.mp3 --start 125 --end 180 --buffer 5 --name intro`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		start, _ := cmd.Flags().GetFloat64("start")
		end, _ := cmd.Flags().GetFloat64("end")
		buffer, _ := cmd.Flags().GetFloat64("buffer")
		name, _ := cmd.Flags().GetString("name")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{
			"media_ref": args[0],
			"start":     start,
			"end":       end,
		}
		if cmd.Flags().Changed("buffer") {
			req["buffer"] = buffer
		}
		if name != "" {
			req["name"] = name
		}

		resp, err := client.post("/clip", req)
		if err != nil {
			return err
		}

		var result struct {
			OutputPath string `json:"output_path"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Clip written to %s", result.OutputPath)
		return nil
	},
}

func init() {
	subscribeCmd.Flags().String("name", "", "display name for the subscription")
	subscriptionsCmd.Flags().String("type", "", "filter by source type")
	checkCmd.Flags().String("type", "", "only check sources of this type")
	searchCmd.Flags().String("type", "", "filter by source type")
	searchCmd.Flags().Int("limit", 20, "maximum number of results")
	itemsCmd.Flags().String("type", "", "filter by source type")
	itemsCmd.Flags().String("source", "", "filter by subscription identifier (requires --type)")
	itemsCmd.Flags().Int("limit", 20, "maximum number of items")
	clipCmd.Flags().Float64("start", 0, "clip start offset in seconds")
	clipCmd.Flags().Float64("end", 0, "clip end offset in seconds")
	clipCmd.Flags().Float64("buffer", 3, "padding in seconds around the range")
	clipCmd.Flags().String("name", "", "output file name")
	clipCmd.MarkFlagRequired("start")
	clipCmd.MarkFlagRequired("end")
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
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
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

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
