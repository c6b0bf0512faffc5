package main

import (
	"encoding/json"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ghostwall/internal/client"
)

const defaultAPI = "http://127.0.0.1:8088"

// cli holds the persistent flags shared by every subcommand.
type cli struct {
	apiURL   string
	adminKey string
	jsonOut  bool
	timeout  time.Duration
}

func (c *cli) client() *client.Client {
	return client.New(c.apiURL, client.WithAdminKey(c.adminKey))
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "ghostwall",
		Short: "Query and administer a running ghostwalld",
		Long: `ghostwall talks to the ghostwalld read API.

Examples:
  ghostwall status                     # Threat score, level and recent actions
  ghostwall events --since 15m         # Events from the last 15 minutes
  ghostwall sessions --limit 5         # Latest decoy sessions
  ghostwall blocklist                  # Currently blocked addresses
  ghostwall blocklist unblock 10.0.0.5 # Remove a block (needs the admin key)
  ghostwall reset                      # Zero the threat score (needs the admin key)
`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("api") {
				if env := os.Getenv("GHOSTWALL_API"); env != "" {
					c.apiURL = env
				}
			}
			if c.adminKey == "" {
				c.adminKey = os.Getenv("GHOSTWALL_ADMIN_KEY")
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.apiURL, "api", defaultAPI, "ghostwalld API base URL (env GHOSTWALL_API)")
	pf.StringVar(&c.adminKey, "admin-key", "", "Admin key for reset and unblock (env GHOSTWALL_ADMIN_KEY)")
	pf.BoolVar(&c.jsonOut, "json", false, "Print raw JSON")
	pf.DurationVar(&c.timeout, "timeout", 5*time.Second, "Request timeout")

	root.AddCommand(
		newStatusCmd(c),
		newActionsCmd(c),
		newEventsCmd(c),
		newSessionsCmd(c),
		newBlockListCmd(c),
		newTimelineCmd(c),
		newResetCmd(c),
	)
	root.SetErr(os.Stderr)
	return root
}

var version = "dev"

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
}

func shortTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
