package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mkaran/stanza/internal/config"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// --- profiles ---

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Manage persona profiles",
}

var profilesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/profiles?limit=%d", limit))
		if err != nil {
			return err
		}

		var profiles []struct {
			ID      string `json:"id"`
			Slug    string `json:"slug"`
			Name    string `json:"name"`
			Status  string `json:"status"`
			Version string `json:"version"`
			Primary bool   `json:"primary"`
		}
		if err := decodeJSON(resp, &profiles); err != nil {
			return err
		}

		if len(profiles) == 0 {
			fmt.Println("No profiles found.")
			return nil
		}

		for _, p := range profiles {
			primary := " "
			if p.Primary {
				primary = "*"
			}
			fmt.Printf("%s %s  %-24s  %-10s  v%s\n",
				primary,
				colorize(colorCyan, p.ID[:8]),
				p.Slug,
				p.Status,
				p.Version,
			)
		}
		return nil
	},
}

var profilesCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		slug, _ := cmd.Flags().GetString("slug")
		identity, _ := cmd.Flags().GetString("identity")
		parent, _ := cmd.Flags().GetString("parent")

		body := map[string]any{"name": args[0]}
		if slug != "" {
			body["slug"] = slug
		}
		if identity != "" {
			body["identity"] = identity
		}
		if parent != "" {
			body["parent_id"] = parent
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/profiles", body)
		if err != nil {
			return err
		}

		var created struct {
			ID   string `json:"id"`
			Slug string `json:"slug"`
		}
		if err := decodeJSON(resp, &created); err != nil {
			return err
		}

		printSuccess("Created profile %s (%s)", created.ID, created.Slug)
		return nil
	},
}

var profilesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a profile as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/profiles/"+args[0])
		if err != nil {
			return err
		}

		var profile any
		if err := decodeJSON(resp, &profile); err != nil {
			return err
		}
		return printJSON(profile)
	},
}

var profilesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Soft-delete a profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/profiles/"+args[0])
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("server returned %d", resp.StatusCode)
		}

		printSuccess("Deleted profile %s", args[0])
		return nil
	},
}

var profilesPublishCmd = &cobra.Command{
	Use:   "publish <id>",
	Short: "Publish a draft profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/profiles/"+args[0]+"/publish", nil)
		if err != nil {
			return err
		}

		var profile struct {
			Status string `json:"status"`
		}
		if err := decodeJSON(resp, &profile); err != nil {
			return err
		}

		printSuccess("Profile %s is now %s", args[0], profile.Status)
		return nil
	},
}

var profilesPrimaryCmd = &cobra.Command{
	Use:   "primary <id>",
	Short: "Make a profile the primary version of its lineage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/profiles/"+args[0]+"/primary", nil)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("server returned %d", resp.StatusCode)
		}

		printSuccess("Profile %s is now primary", args[0])
		return nil
	},
}

func init() {
	profilesListCmd.Flags().Int("limit", 50, "maximum number of profiles to list")
	profilesCreateCmd.Flags().String("slug", "", "URL-safe slug (derived from name if empty)")
	profilesCreateCmd.Flags().String("identity", "", "identity statement for the persona")
	profilesCreateCmd.Flags().String("parent", "", "parent profile id to version from")

	profilesCmd.AddCommand(profilesListCmd)
	profilesCmd.AddCommand(profilesCreateCmd)
	profilesCmd.AddCommand(profilesShowCmd)
	profilesCmd.AddCommand(profilesDeleteCmd)
	profilesCmd.AddCommand(profilesPublishCmd)
	profilesCmd.AddCommand(profilesPrimaryCmd)
}

// --- sections ---

var sectionsCmd = &cobra.Command{
	Use:   "sections",
	Short: "Manage profile sections",
}

var sectionsListCmd = &cobra.Command{
	Use:   "list <profile-id>",
	Short: "List a profile's sections",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/profiles/"+args[0]+"/sections")
		if err != nil {
			return err
		}

		var sections []struct {
			ID        string   `json:"id"`
			Name      string   `json:"name"`
			Type      string   `json:"type"`
			Keywords  []string `json:"keywords"`
			Weight    float64  `json:"weight"`
			Mandatory bool     `json:"mandatory"`
			Active    bool     `json:"active"`
		}
		if err := decodeJSON(resp, &sections); err != nil {
			return err
		}

		if len(sections) == 0 {
			fmt.Println("No sections found.")
			return nil
		}

		for _, s := range sections {
			flags := ""
			if s.Mandatory {
				flags += "M"
			}
			if !s.Active {
				flags += "x"
			}
			fmt.Printf("%s  %-24s  %-12s  w=%.1f  %-2s  %s\n",
				colorize(colorCyan, s.ID[:8]),
				s.Name,
				s.Type,
				s.Weight,
				flags,
				strings.Join(s.Keywords, ","),
			)
		}
		return nil
	},
}

var sectionsAddCmd = &cobra.Command{
	Use:   "add <profile-id> <name>",
	Short: "Add a section to a profile",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		template, _ := cmd.Flags().GetString("template")
		file, _ := cmd.Flags().GetString("file")
		keywords, _ := cmd.Flags().GetString("keywords")
		weight, _ := cmd.Flags().GetFloat64("weight")
		secType, _ := cmd.Flags().GetString("type")
		mandatory, _ := cmd.Flags().GetBool("mandatory")
		dependsOn, _ := cmd.Flags().GetString("depends-on")
		excludes, _ := cmd.Flags().GetString("excludes")

		if template == "" && file == "" {
			return fmt.Errorf("one of --template or --file is required")
		}
		if file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			template = string(data)
		}

		body := map[string]any{
			"name":      args[1],
			"type":      secType,
			"template":  template,
			"weight":    weight,
			"mandatory": mandatory,
			"active":    true,
		}
		if kw := splitCSV(keywords); kw != nil {
			body["keywords"] = kw
		}
		if deps := splitCSV(dependsOn); deps != nil {
			body["depends_on"] = deps
		}
		if ex := splitCSV(excludes); ex != nil {
			body["excludes"] = ex
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/profiles/"+args[0]+"/sections", body)
		if err != nil {
			return err
		}

		var created struct {
			ID string `json:"id"`
		}
		if err := decodeJSON(resp, &created); err != nil {
			return err
		}

		printSuccess("Added section %s (%s)", args[1], created.ID)
		return nil
	},
}

var sectionsImportCmd = &cobra.Command{
	Use:   "import <profile-id> <name>",
	Short: "Import a section from a URL, PDF or text file",
	Long: `Import external content as a knowledge section.

Examples:
  stanza sections import prof-1 style-guide --url https://example.com/guide
  stanza sections import prof-1 handbook --pdf ./handbook.pdf
  stanza sections import prof-1 notes --file ./notes.md --keywords notes,reference`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		url, _ := cmd.Flags().GetString("url")
		pdfPath, _ := cmd.Flags().GetString("pdf")
		file, _ := cmd.Flags().GetString("file")
		keywords, _ := cmd.Flags().GetString("keywords")
		weight, _ := cmd.Flags().GetFloat64("weight")

		body := map[string]any{
			"name":   args[1],
			"weight": weight,
		}
		if kw := splitCSV(keywords); kw != nil {
			body["keywords"] = kw
		}

		switch {
		case url != "":
			body["type"] = "url"
			body["url"] = url
		case pdfPath != "":
			data, err := os.ReadFile(pdfPath)
			if err != nil {
				return fmt.Errorf("reading pdf: %w", err)
			}
			body["type"] = "pdf"
			body["content"] = data // encoded as base64 by encoding/json
		case file != "":
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			body["type"] = "text"
			body["content"] = string(data)
		default:
			return fmt.Errorf("one of --url, --pdf, or --file is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/profiles/"+args[0]+"/sections/import", body)
		if err != nil {
			return err
		}

		var created struct {
			ID string `json:"id"`
		}
		if err := decodeJSON(resp, &created); err != nil {
			return err
		}

		printSuccess("Imported section %s (%s)", args[1], created.ID)
		return nil
	},
}

var sectionsDeleteCmd = &cobra.Command{
	Use:   "delete <section-id>",
	Short: "Delete a section",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/sections/"+args[0])
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("server returned %d", resp.StatusCode)
		}

		printSuccess("Deleted section %s", args[0])
		return nil
	},
}

func init() {
	sectionsAddCmd.Flags().String("template", "", "section template text")
	sectionsAddCmd.Flags().String("file", "", "read template from file")
	sectionsAddCmd.Flags().String("keywords", "", "comma-separated trigger keywords")
	sectionsAddCmd.Flags().Float64("weight", 1.0, "score weight per keyword match")
	sectionsAddCmd.Flags().String("type", "knowledge", "section type")
	sectionsAddCmd.Flags().Bool("mandatory", false, "always include this section")
	sectionsAddCmd.Flags().String("depends-on", "", "comma-separated section names this one requires")
	sectionsAddCmd.Flags().String("excludes", "", "comma-separated section names this one conflicts with")

	sectionsImportCmd.Flags().String("url", "", "URL to fetch and extract text from")
	sectionsImportCmd.Flags().String("pdf", "", "PDF file to extract text from")
	sectionsImportCmd.Flags().String("file", "", "plain text file")
	sectionsImportCmd.Flags().String("keywords", "", "comma-separated trigger keywords")
	sectionsImportCmd.Flags().Float64("weight", 1.0, "score weight per keyword match")

	sectionsCmd.AddCommand(sectionsListCmd)
	sectionsCmd.AddCommand(sectionsAddCmd)
	sectionsCmd.AddCommand(sectionsImportCmd)
	sectionsCmd.AddCommand(sectionsDeleteCmd)
}

// --- preview / run ---

var previewCmd = &cobra.Command{
	Use:   "preview <profile-id> <request>",
	Short: "Assemble a prompt without executing it",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		request := strings.Join(args[1:], " ")
		keywords, _ := cmd.Flags().GetString("keywords")
		budget, _ := cmd.Flags().GetInt("budget")
		full, _ := cmd.Flags().GetBool("json")

		body := map[string]any{
			"context": map[string]any{
				"request":  request,
				"keywords": splitCSV(keywords),
			},
			"assembly": map[string]any{
				"max_budget": budget,
			},
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/profiles/"+args[0]+"/preview", body)
		if err != nil {
			return err
		}

		var prompt struct {
			Text     string `json:"text"`
			Size     int    `json:"size"`
			Units    string `json:"units"`
			Included []struct {
				Name   string  `json:"name"`
				Reason string  `json:"reason"`
				Score  float64 `json:"score"`
			} `json:"included"`
			Excluded []struct {
				Name   string  `json:"name"`
				Reason string  `json:"reason"`
				Score  float64 `json:"score"`
			} `json:"excluded"`
		}
		if err := decodeJSON(resp, &prompt); err != nil {
			return err
		}

		if full {
			return printJSON(prompt)
		}

		for _, d := range prompt.Included {
			fmt.Fprintf(os.Stderr, "  %s %-24s %s (%.1f)\n", colorize(colorGreen, "+"), d.Name, d.Reason, d.Score)
		}
		for _, d := range prompt.Excluded {
			fmt.Fprintf(os.Stderr, "  %s %-24s %s (%.1f)\n", colorize(colorRed, "-"), d.Name, d.Reason, d.Score)
		}
		fmt.Fprintf(os.Stderr, "  %s %d %s\n", colorize(colorBold, "size:"), prompt.Size, prompt.Units)
		fmt.Println(prompt.Text)
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run <profile-id> <request>",
	Short: "Assemble a prompt and execute it against the provider",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		request := strings.Join(args[1:], " ")
		keywords, _ := cmd.Flags().GetString("keywords")
		model, _ := cmd.Flags().GetString("model")

		body := map[string]any{
			"context": map[string]any{
				"request":  request,
				"keywords": splitCSV(keywords),
			},
		}
		if model != "" {
			body["model"] = model
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/profiles/"+args[0]+"/execute", body)
		if err != nil {
			return err
		}

		var result struct {
			Text         string `json:"text"`
			FinishReason string `json:"finish_reason"`
			Attempts     int    `json:"attempts"`
			Usage        struct {
				TotalTokens int `json:"total_tokens"`
			} `json:"usage"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Println(result.Text)
		if result.FinishReason != "completed" {
			printWarning("finish reason: %s", result.FinishReason)
		}
		return nil
	},
}

func init() {
	previewCmd.Flags().String("keywords", "", "comma-separated context keywords")
	previewCmd.Flags().Int("budget", 0, "prompt size budget (0 = server default)")
	previewCmd.Flags().Bool("json", false, "print the full assembly result as JSON")

	runCmd.Flags().String("keywords", "", "comma-separated context keywords")
	runCmd.Flags().String("model", "", "override the configured model")
}

// --- executions ---

var executionsCmd = &cobra.Command{
	Use:   "executions",
	Short: "Inspect execution history",
}

var executionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent executions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		profileID, _ := cmd.Flags().GetString("profile")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/executions?limit=%d", limit)
		if profileID != "" {
			path += "&profile_id=" + profileID
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var executions []struct {
			ID        string `json:"id"`
			CreatedAt string `json:"created_at"`
			Status    string `json:"status"`
			Request   string `json:"request"`
		}
		if err := decodeJSON(resp, &executions); err != nil {
			return err
		}

		if len(executions) == 0 {
			fmt.Println("No executions found.")
			return nil
		}

		for _, e := range executions {
			request := e.Request
			if len(request) > 60 {
				request = request[:60] + "..."
			}
			fmt.Printf("%s  %s  %-9s  %s\n",
				colorize(colorCyan, e.ID[:8]),
				e.CreatedAt,
				e.Status,
				request,
			)
		}
		return nil
	},
}

var executionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/executions/"+args[0])
		if err != nil {
			return err
		}

		var execution any
		if err := decodeJSON(resp, &execution); err != nil {
			return err
		}
		return printJSON(execution)
	},
}

func init() {
	executionsListCmd.Flags().Int("limit", 20, "maximum number of executions to list")
	executionsListCmd.Flags().String("profile", "", "filter by profile id")
	executionsCmd.AddCommand(executionsListCmd)
	executionsCmd.AddCommand(executionsShowCmd)
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
