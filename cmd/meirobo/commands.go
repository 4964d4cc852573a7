package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/meirobo/internal/api"
	"github.com/kalambet/meirobo/internal/config"
	"github.com/kalambet/meirobo/internal/profile"
	"github.com/kalambet/meirobo/internal/storage"
	"github.com/kalambet/meirobo/internal/tenants"
)

type acervoEntry struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Type       string   `json:"type"`
	Tags       []string `json:"tags"`
	Enabled    bool     `json:"enabled"`
	Priority   int      `json:"priority"`
	SizeBytes  int64    `json:"sizeBytes"`
	SourceKind string   `json:"sourceKind"`
	Summary    string   `json:"summary"`
}

func tenantPath(tenant, suffix string) string {
	return "/v1/tenants/" + url.PathEscape(tenant) + suffix
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	var tags []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func requireTenant(cmd *cobra.Command) (string, error) {
	tenant, _ := cmd.Flags().GetString("tenant")
	if tenant == "" {
		return "", fmt.Errorf("--tenant is required")
	}
	return tenant, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- acervo ---

var acervoCmd = &cobra.Command{
	Use:   "acervo",
	Short: "Manage a tenant's document collection",
}

var acervoListCmd = &cobra.Command{
	Use:   "list",
	Short: "List acervo entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, err := requireTenant(cmd)
		if err != nil {
			return err
		}
		tags, _ := cmd.Flags().GetString("tags")
		typ, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient(tenant)
		if err != nil {
			return err
		}
		entries, err := listAcervo(cmd.Context(), client, tenant, tags, typ, limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No entries found.")
			return nil
		}
		for _, e := range entries {
			state := ""
			if !e.Enabled {
				state = colorize(colorYellow, " (disabled)")
			}
			fmt.Printf("%s  %-10s %8s  p%d  %s%s\n",
				colorize(colorCyan, shortID(e.ID)),
				e.Type,
				formatBytes(e.SizeBytes),
				e.Priority,
				truncate(e.Title, 60),
				state,
			)
			if len(e.Tags) > 0 {
				fmt.Printf("    tags: %s\n", strings.Join(e.Tags, ", "))
			}
		}
		return nil
	},
}

func listAcervo(ctx context.Context, client *apiClient, tenant, tags, typ string, limit int) ([]acervoEntry, error) {
	q := url.Values{}
	if tags != "" {
		q.Set("tags", tags)
	}
	if typ != "" {
		q.Set("type", typ)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := tenantPath(tenant, "/acervo")
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	resp, err := client.get(ctx, path)
	if err != nil {
		return nil, err
	}
	var out struct {
		Entries []acervoEntry `json:"entries"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

var acervoAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a free-form note",
	Long: `Add a free-form note to the acervo.

Examples:
  meirobo acervo add --tenant salao --title "Horários" --text "Seg a sex, 9h às 19h"
  meirobo acervo add --tenant salao --file ./faq.md --tags faq,pagamento`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, err := requireTenant(cmd)
		if err != nil {
			return err
		}
		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")
		title, _ := cmd.Flags().GetString("title")
		typ, _ := cmd.Flags().GetString("type")
		tags, _ := cmd.Flags().GetString("tags")
		priority, _ := cmd.Flags().GetInt("priority")

		if text == "" && file == "" {
			return fmt.Errorf("one of --text or --file is required")
		}
		if file != "" {
			data, err := readInput(file)
			if err != nil {
				return err
			}
			text = string(data)
			if title == "" {
				title = filepath.Base(file)
			}
		}

		req := map[string]any{"content": text, "priority": priority}
		if title != "" {
			req["title"] = title
		}
		if typ != "" {
			req["type"] = typ
		}
		if t := splitTags(tags); t != nil {
			req["tags"] = t
		}

		client, err := newAPIClient(tenant)
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), tenantPath(tenant, "/acervo"), req)
		if err != nil {
			return err
		}
		var e acervoEntry
		if err := decodeJSON(resp, &e); err != nil {
			return err
		}
		printSuccess("Stored entry %s (%s)", e.ID, formatBytes(e.SizeBytes))
		return nil
	},
}

var acervoUploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a document (PDF, text, CSV, JSON)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, err := requireTenant(cmd)
		if err != nil {
			return err
		}
		title, _ := cmd.Flags().GetString("title")
		typ, _ := cmd.Flags().GetString("type")
		tags, _ := cmd.Flags().GetString("tags")
		priority, _ := cmd.Flags().GetInt("priority")

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}
		ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(args[0])))

		client, err := newAPIClient(tenant)
		if err != nil {
			return err
		}
		printStep("Uploading %s (%s)", filepath.Base(args[0]), formatBytes(int64(len(data))))
		resp, err := client.upload(cmd.Context(), tenantPath(tenant, "/acervo/upload"), args[0], ct, data, map[string]string{
			"title":    title,
			"type":     typ,
			"tags":     tags,
			"priority": strconv.Itoa(priority),
		})
		if err != nil {
			return err
		}
		var e acervoEntry
		if err := decodeJSON(resp, &e); err != nil {
			return err
		}
		printSuccess("Indexed %s as %s", e.Title, e.ID)
		if e.Summary != "" {
			fmt.Printf("  %s\n", truncate(e.Summary, 200))
		}
		return nil
	},
}

var acervoQueryCmd = &cobra.Command{
	Use:   "query <question>",
	Short: "Ask a question against the acervo",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, err := requireTenant(cmd)
		if err != nil {
			return err
		}
		maxTokens, _ := cmd.Flags().GetInt("max-tokens")

		client, err := newAPIClient(tenant)
		if err != nil {
			return err
		}
		req := map[string]any{"question": strings.Join(args, " ")}
		if maxTokens > 0 {
			req["maxTokens"] = maxTokens
		}
		resp, err := client.post(cmd.Context(), tenantPath(tenant, "/acervo/query"), req)
		if err != nil {
			return err
		}
		var res struct {
			Answer   string `json:"answer"`
			Reason   string `json:"reason"`
			UsedDocs []struct {
				ID    string  `json:"id"`
				Title string  `json:"title"`
				Score float64 `json:"score"`
			} `json:"usedDocs"`
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		if res.Answer == "" {
			printWarning("No answer (%s)", res.Reason)
		} else {
			fmt.Println(res.Answer)
		}
		for _, d := range res.UsedDocs {
			fmt.Printf("  %s %s [score: %.3f]\n", colorize(colorCyan, shortID(d.ID)), d.Title, d.Score)
		}
		return nil
	},
}

var acervoRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete an acervo entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, err := requireTenant(cmd)
		if err != nil {
			return err
		}
		client, err := newAPIClient(tenant)
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), tenantPath(tenant, "/acervo/"+url.PathEscape(args[0])))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted %s", args[0])
		return nil
	},
}

var acervoToggleCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable or disable an acervo entry for retrieval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, err := requireTenant(cmd)
		if err != nil {
			return err
		}
		off, _ := cmd.Flags().GetBool("off")
		client, err := newAPIClient(tenant)
		if err != nil {
			return err
		}
		resp, err := client.patch(cmd.Context(), tenantPath(tenant, "/acervo/"+url.PathEscape(args[0])), map[string]any{"enabled": !off})
		if err != nil {
			return err
		}
		var e acervoEntry
		if err := decodeJSON(resp, &e); err != nil {
			return err
		}
		printSuccess("%s enabled = %t", e.ID, e.Enabled)
		return nil
	},
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	acervoCmd.PersistentFlags().String("tenant", "", "tenant id")

	acervoListCmd.Flags().String("tags", "", "comma-separated tags to match")
	acervoListCmd.Flags().String("type", "", "entry type to match")
	acervoListCmd.Flags().Int("limit", 50, "maximum number of entries")

	for _, c := range []*cobra.Command{acervoAddCmd, acervoUploadCmd} {
		c.Flags().String("title", "", "entry title")
		c.Flags().String("type", "", "entry type (e.g. faq, prices)")
		c.Flags().String("tags", "", "comma-separated tags")
		c.Flags().Int("priority", 0, "ranking priority")
	}
	acervoAddCmd.Flags().String("text", "", "note content")
	acervoAddCmd.Flags().String("file", "", "read note content from a file (- for stdin)")

	acervoQueryCmd.Flags().Int("max-tokens", 0, "context token budget")
	acervoToggleCmd.Flags().Bool("off", false, "disable instead of enable")

	acervoCmd.AddCommand(acervoListCmd)
	acervoCmd.AddCommand(acervoAddCmd)
	acervoCmd.AddCommand(acervoUploadCmd)
	acervoCmd.AddCommand(acervoQueryCmd)
	acervoCmd.AddCommand(acervoRmCmd)
	acervoCmd.AddCommand(acervoToggleCmd)
}

// --- quota ---

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Show a tenant's storage usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, err := requireTenant(cmd)
		if err != nil {
			return err
		}
		client, err := newAPIClient(tenant)
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), tenantPath(tenant, "/quota"))
		if err != nil {
			return err
		}
		var u struct {
			UsedBytes  int64            `json:"usedBytes"`
			QuotaBytes int64            `json:"quotaBytes"`
			ByCategory map[string]int64 `json:"byCategory"`
		}
		if err := decodeJSON(resp, &u); err != nil {
			return err
		}

		printStatus("Used", "%s of %s", formatBytes(u.UsedBytes), formatBytes(u.QuotaBytes))
		cats := make([]string, 0, len(u.ByCategory))
		for c := range u.ByCategory {
			cats = append(cats, c)
		}
		sort.Strings(cats)
		for _, c := range cats {
			printStatus("  "+c, "%s", formatBytes(u.ByCategory[c]))
		}
		return nil
	},
}

func init() {
	quotaCmd.Flags().String("tenant", "", "tenant id")
}

// --- tenant ---

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Manage tenants",
}

var tenantImportCmd = &cobra.Command{
	Use:   "import <seed.yaml>",
	Short: "Create or update tenants from a seed file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := storage.Open(storageDSN(cfg))
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		reg := tenants.NewRegistry(store, profile.NewManager(store), cfg.Quota.DefaultMaxBytes, nil)
		seed, err := reg.LoadFile(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, t := range seed.Tenants {
			printStep("%s (%s)", t.TenantID, t.WhatsApp)
		}
		printSuccess("Imported %d tenants", len(seed.Tenants))
		return nil
	},
}

var tenantTokenCmd = &cobra.Command{
	Use:   "token <tenant>",
	Short: "Issue an API token for a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl, _ := cmd.Flags().GetDuration("ttl")
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		tok, err := issueTenantToken(cfg, args[0], ttl)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func issueTenantToken(cfg config.Config, tenant string, ttl time.Duration) (string, error) {
	if cfg.Auth.JWTSecret == "" {
		return "", fmt.Errorf("auth.jwt_secret is not configured")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("--ttl must be positive")
	}
	return api.IssueToken([]byte(cfg.Auth.JWTSecret), tenant, ttl)
}

func init() {
	tenantTokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	tenantCmd.AddCommand(tenantImportCmd)
	tenantCmd.AddCommand(tenantTokenCmd)
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
		printStatus("Config file", "%s", config.ConfigFilePath())
		printStatus("Secrets dir", "%s", config.SecretsDir())
		fmt.Println()
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "$"+k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) == 0 {
			return config.ValidKeys(), cobra.ShellCompDirectiveNoFileComp
		}
		return nil, cobra.ShellCompDirectiveNoFileComp
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		for _, k := range config.ShowAll(config.Config{}) {
			if k.Key == key && k.Secret {
				printSuccess("Stored secret %s in %s", key, config.SecretsDir())
				return nil
			}
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

// --- profile ---

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage a tenant's profile",
}

var profileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the tenant profile as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, err := requireTenant(cmd)
		if err != nil {
			return err
		}
		client, err := newAPIClient(tenant)
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), tenantPath(tenant, "/profile"))
		if err != nil {
			return err
		}
		var p any
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}
		return printJSON(p)
	},
}

var profilePutCmd = &cobra.Command{
	Use:   "put <profile.json>",
	Short: "Replace the tenant profile from a JSON file (- for stdin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, err := requireTenant(cmd)
		if err != nil {
			return err
		}
		data, err := readInput(args[0])
		if err != nil {
			return err
		}
		var p map[string]any
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("invalid JSON: %w", err)
		}
		client, err := newAPIClient(tenant)
		if err != nil {
			return err
		}
		resp, err := client.do(cmd.Context(), http.MethodPut, tenantPath(tenant, "/profile"), p)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Profile updated")
		return nil
	},
}

func init() {
	profileCmd.PersistentFlags().String("tenant", "", "tenant id")
	profileCmd.AddCommand(profileShowCmd)
	profileCmd.AddCommand(profilePutCmd)
}
