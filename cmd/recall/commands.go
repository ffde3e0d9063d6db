package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/recall/internal/api"
	"github.com/kalambet/recall/internal/config"
	"github.com/kalambet/recall/internal/ingest"
	"github.com/kalambet/recall/internal/memory"
)

// --- remember ---

var rememberCmd = &cobra.Command{
	Use:   "remember",
	Short: "Store a prompt and response in memory",
	Long: `Store a prompt and response in memory.

Examples:
  recall remember --prompt "What's my dog's name?" --response "Your dog is called Pixel."`,
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt, _ := cmd.Flags().GetString("prompt")
		response, _ := cmd.Flags().GetString("response")
		if strings.TrimSpace(prompt) == "" {
			return fmt.Errorf("--prompt is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/memories", api.RememberRequest{Prompt: prompt, Response: response})
		if err != nil {
			return err
		}
		accepted := resp.StatusCode == http.StatusAccepted

		var result api.RememberResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if accepted || !result.Indexed {
			printWarning("Stored conversation %d; it becomes searchable after the index is repaired", result.ID)
			return nil
		}
		printSuccess("Stored conversation %d", result.ID)
		return nil
	},
}

func init() {
	rememberCmd.Flags().String("prompt", "", "what the user asked")
	rememberCmd.Flags().String("response", "", "the answer that was given")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Find the past conversations closest to a query",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		k, _ := cmd.Flags().GetInt("k")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/v1/memories/search?q=%s&k=%d", url.QueryEscape(query), k)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var results []api.MemoryJSON
		if err := decodeJSON(resp, &results); err != nil {
			return err
		}

		if len(results) == 0 {
			fmt.Println("No memories found.")
			return nil
		}

		for i, r := range results {
			dist := float32(0)
			if r.Distance != nil {
				dist = *r.Distance
			}
			fmt.Printf("\n%s [distance: %.3f] #%d %s\n",
				colorize(colorBold, fmt.Sprintf("Result %d", i+1)),
				dist, r.ID, r.CreatedAt.Local().Format(time.DateTime))
			fmt.Printf("  User: %s\n", truncate(r.Prompt, 500))
			fmt.Printf("  You:  %s\n", truncate(r.Response, 500))
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("k", 5, "maximum number of results")
}

// --- recent ---

var recentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List the newest stored conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/v1/memories/recent?limit=%d", limit))
		if err != nil {
			return err
		}

		var convs []api.MemoryJSON
		if err := decodeJSON(resp, &convs); err != nil {
			return err
		}

		if len(convs) == 0 {
			fmt.Println("No conversations stored.")
			return nil
		}

		for _, c := range convs {
			fmt.Printf("%s  %s  %s\n",
				colorize(colorCyan, fmt.Sprintf("#%d", c.ID)),
				c.CreatedAt.Local().Format(time.DateTime),
				truncate(c.Prompt, 80),
			)
		}
		return nil
	},
}

func init() {
	recentCmd.Flags().Int("limit", 20, "maximum number of conversations to list")
}

// --- import ---

var importCmd = &cobra.Command{
	Use:   "import <file.jsonl>",
	Short: "Bulk-load conversations from a JSONL file",
	Long: `Bulk-load conversations from a JSONL file, one {"prompt","response"}
object per line. Use "-" to read from stdin. Each chunk is stored in a
single transaction by the running server.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		batchSize, _ := cmd.Flags().GetInt("batch-size")

		in := os.Stdin
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("opening input: %w", err)
			}
			defer f.Close()
			in = f
		}

		pairs, err := ingest.ReadJSONL(in)
		if err != nil {
			return err
		}
		if len(pairs) == 0 {
			printWarning("No conversations in input")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		chunks := ingest.Chunk(pairs, batchSize)
		stored, pending := 0, 0
		for i, chunk := range chunks {
			printStep("Importing batch %d/%d (%d conversations)", i+1, len(chunks), len(chunk))

			req := api.BatchRequest{Conversations: make([]api.RememberRequest, len(chunk))}
			for j, p := range chunk {
				req.Conversations[j] = api.RememberRequest{Prompt: p.Prompt, Response: p.Response}
			}
			resp, err := client.post(cmd.Context(), "/v1/memories/batch", req)
			if err != nil {
				return err
			}
			var result api.BatchResponse
			if err := decodeJSON(resp, &result); err != nil {
				return fmt.Errorf("batch %d: %w (%d conversations stored before it)", i+1, err, stored)
			}
			stored += len(result.IDs)
			if !result.Indexed {
				pending += len(result.IDs)
			}
		}

		printSuccess("Imported %d conversations", stored)
		if pending > 0 {
			printWarning("%d conversations are waiting for the index to be repaired", pending)
		}
		return nil
	},
}

func init() {
	importCmd.Flags().Int("batch-size", 100, "conversations per request")
}

// --- repair ---

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Rebuild the vector index from stored conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Rebuilding index...")
		resp, err := client.post(cmd.Context(), "/v1/memories/repair", nil)
		if err != nil {
			return err
		}

		var stats memory.Stats
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}
		printSuccess("Index rebuilt: %d entries, generation %s", stats.IndexEntries, shortID(stats.Generation))
		return nil
	},
}

// --- stats ---


var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show memory and index statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/stats")
		if err != nil {
			return err
		}

		var stats memory.Stats
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		}

		printStatus("Records", "%d (last id %d)", stats.Records, stats.LastID)
		printStatus("Index entries", "%d", stats.IndexEntries)
		printStatus("Index kind", "%s", stats.IndexKind)
		printStatus("Dimension", "%d", stats.Dimension)
		printStatus("Embed policy", "%s", stats.EmbedPolicy)
		printStatus("Generation", "%s (published %s)", stats.Generation, stats.PublishedAt.Local().Format(time.DateTime))
		printStatus("Index file", "%s", stats.IndexPath)
		if stats.Stale {
			printWarning("Index is stale and will be rebuilt; run \"recall repair\" to do it now")
		}
		return nil
	},
}

func init() {
	statsCmd.Flags().Bool("json", false, "print raw JSON")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
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

		fmt.Printf("# %s\n", config.ConfigFilePath())
		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "$"+k.EnvVar))
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
