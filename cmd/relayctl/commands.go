package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaydesk/relaydesk/control-plane/internal/inbox"
	"github.com/relaydesk/relaydesk/control-plane/internal/triage"
	"github.com/relaydesk/relaydesk/control-plane/pkg/models"
)

type cliOptions struct {
	server  string
	apiKey  string
	tenant  string
	jsonOut bool
}

func (o *cliOptions) client() *apiClient {
	return newAPIClient(o.server, o.apiKey, o.tenant)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:           "relayctl",
		Short:         "Operate the RelayDesk control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&opts.server, "server", envOr("RELAYDESK_URL", "http://localhost:8080"), "control plane base URL")
	pf.StringVar(&opts.apiKey, "api-key", os.Getenv("RELAYDESK_API_KEY"), "API key")
	pf.StringVar(&opts.tenant, "tenant", envOr("RELAYDESK_TENANT", "default"), "tenant id")
	pf.BoolVar(&opts.jsonOut, "json", false, "print raw JSON")

	root.AddCommand(
		newInboxCmd(opts),
		newTriageCmd(opts),
		newReleaseCmd(opts),
		newDiagnosticsCmd(opts),
		newSettingsCmd(opts),
	)
	return root
}

// --- inbox ---

func newInboxCmd(opts *cliOptions) *cobra.Command {
	var (
		status, aiState, cursor string
		limit                   int
	)
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "List conversations in the agent inbox",
		Long: `List conversations in the agent inbox, most recent activity first.

Examples:
  relayctl inbox --ai-state handoff
  relayctl inbox --status open --limit 50
  relayctl inbox --cursor <next_cursor from a previous page>`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if aiState != "" {
				q.Set("ai_state", aiState)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			if cursor != "" {
				q.Set("cursor", cursor)
			}
			path := "/api/v1/inbox"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			var page inbox.Page
			if err := opts.client().call(cmd.Context(), "GET", path, nil, &page); err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), page)
			}
			printInbox(cmd.OutOrStdout(), page)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by conversation status (open, snoozed, closed)")
	cmd.Flags().StringVar(&aiState, "ai-state", "", "filter by AI state (none, ai_handled, handoff)")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "resume after a previous page")
	return cmd
}

func printInbox(w io.Writer, page inbox.Page) {
	if len(page.Conversations) == 0 {
		fmt.Fprintln(w, "No conversations.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tAI STATE\tLAST ACTIVITY\tREASON")
	for _, c := range page.Conversations {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			c.ID, c.Status, c.WorkflowState(), c.ActivityAt().Local().Format(time.DateTime), c.AIHandoffReason)
	}
	tw.Flush()
	if page.NextCursor != "" {
		fmt.Fprintf(w, "\nNext page: relayctl inbox --cursor %s\n", page.NextCursor)
	}
}

// --- triage ---

func newTriageCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "triage <conversation-id> <query...>",
		Short: "Run AI triage for a visitor message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"query": strings.Join(args[1:], " ")}
			var res triage.Result
			path := "/api/v1/conversations/" + url.PathEscape(args[0]) + "/triage"
			if err := opts.client().call(cmd.Context(), "POST", path, body, &res); err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), res)
			}

			w := cmd.OutOrStdout()
			switch {
			case res.Deduplicated:
				fmt.Fprintf(w, "Already handed off: %s\n", res.HandoffReason)
			case res.Handoff:
				fmt.Fprintf(w, "Handed off: %s\n", res.HandoffReason)
			default:
				fmt.Fprintln(w, "Answered by AI")
			}
			if res.Response != "" {
				fmt.Fprintf(w, "Response: %s\n", res.Response)
			}
			if res.Confidence != nil {
				fmt.Fprintf(w, "Confidence: %.2f\n", *res.Confidence)
			}
			for _, s := range res.Sources {
				fmt.Fprintf(w, "Source: [%s] %s (%s)\n", s.Type, s.Title, s.ID)
			}
			return nil
		},
	}
}

// --- release ---

func newReleaseCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "release <conversation-id>",
		Short: "Return a conversation to AI handling",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var conv models.Conversation
			path := "/api/v1/conversations/" + url.PathEscape(args[0]) + "/release"
			if err := opts.client().call(cmd.Context(), "POST", path, nil, &conv); err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), conv)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Released %s (ai state: %s)\n", conv.ID, conv.WorkflowState())
			return nil
		},
	}
}

// --- diagnostics ---

func newDiagnosticsCmd(opts *cliOptions) *cobra.Command {
	var clear bool
	cmd := &cobra.Command{
		Use:   "diagnostics",
		Short: "Show the tenant's last AI configuration or generation error",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := opts.client()
			w := cmd.OutOrStdout()
			if clear {
				if err := client.call(cmd.Context(), "DELETE", "/api/v1/diagnostics", nil, nil); err != nil {
					return err
				}
				fmt.Fprintln(w, "Diagnostic cleared")
				return nil
			}

			var out struct {
				Diagnostic *models.Diagnostic `json:"diagnostic"`
			}
			if err := client.call(cmd.Context(), "GET", "/api/v1/diagnostics", nil, &out); err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(w, out)
			}
			if out.Diagnostic == nil {
				fmt.Fprintln(w, "No diagnostic recorded.")
				return nil
			}
			d := out.Diagnostic
			fmt.Fprintf(w, "%s: %s\n", d.Code, d.Message)
			if d.Provider != "" || d.Model != "" {
				fmt.Fprintf(w, "Model: %s/%s\n", d.Provider, d.Model)
			}
			fmt.Fprintf(w, "Recorded: %s\n", d.RecordedAt.Local().Format(time.DateTime))
			return nil
		},
	}
	cmd.Flags().BoolVar(&clear, "clear", false, "clear the recorded diagnostic")
	return cmd
}

// --- settings ---

func newSettingsCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change the tenant's AI agent settings",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the AI agent settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st models.AgentSettings
			if err := opts.client().call(cmd.Context(), "GET", "/api/v1/settings/agent", nil, &st); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}

	set := &cobra.Command{
		Use:   "set",
		Short: "Update the AI agent settings",
		Long: `Update the AI agent settings. Only the flags given are changed.

Examples:
  relayctl settings set --enabled=false
  relayctl settings set --model openai/gpt-4o --threshold 0.7`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := opts.client()
			var st models.AgentSettings
			if err := client.call(cmd.Context(), "GET", "/api/v1/settings/agent", nil, &st); err != nil {
				return err
			}

			f := cmd.Flags()
			if f.Changed("enabled") {
				st.Enabled, _ = f.GetBool("enabled")
			}
			if f.Changed("model") {
				st.Model, _ = f.GetString("model")
			}
			if f.Changed("threshold") {
				st.ConfidenceThreshold, _ = f.GetFloat64("threshold")
			}
			if f.Changed("handoff-message") {
				st.HandoffMessage, _ = f.GetString("handoff-message")
			}
			if f.Changed("personality") {
				st.Personality, _ = f.GetString("personality")
			}
			if f.Changed("sources") {
				st.KnowledgeSources, _ = f.GetStringSlice("sources")
			}

			var saved models.AgentSettings
			if err := client.call(cmd.Context(), "PUT", "/api/v1/settings/agent", st, &saved); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), saved)
		},
	}
	set.Flags().Bool("enabled", true, "enable the AI agent")
	set.Flags().String("model", "", "model as <provider>/<model>; empty uses the server default")
	set.Flags().Float64("threshold", 0, "confidence threshold in [0, 1]")
	set.Flags().String("handoff-message", "", "message posted to the visitor on handoff")
	set.Flags().String("personality", "", "extra system prompt instructions")
	set.Flags().StringSlice("sources", nil, "allowed knowledge types (faq, article, product)")

	cmd.AddCommand(show, set)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
