package main

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"ghostwall/internal/client"
	"ghostwall/internal/event"
)

func (c *cli) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), c.timeout)
}

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the threat score, metric contributions and recent actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()

			st, err := c.client().Status(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if c.jsonOut {
				return printJSON(out, st)
			}

			fmt.Fprintf(out, "Threat score: %.1f (%s)\n", st.Score.Score, st.Score.Level)
			if st.Score.Why != "" {
				fmt.Fprintf(out, "Why:          %s\n", st.Score.Why)
			}
			fmt.Fprintf(out, "Policy mode:  %s\n", st.Policy.Mode)
			fw := "unavailable"
			if st.Policy.FirewallAvailable {
				fw = "available"
			}
			fmt.Fprintf(out, "Firewall:     %s (%s)\n", st.Policy.Firewall, fw)
			fmt.Fprintf(out, "Blocked:      %d\n", st.BlockList)
			fmt.Fprintf(out, "Events:       %d ingested\n\n", st.Score.Ingested)

			tw := newTable(out)
			fmt.Fprintln(tw, "METRIC\tVALUE\tCONTRIBUTION")
			for _, m := range st.Score.Metrics {
				fmt.Fprintf(tw, "%s\t%.1f\t%.2f\n", m.Name, m.Value, m.Contribution)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			if len(st.TopIPs) > 0 {
				fmt.Fprintln(out)
				tw = newTable(out)
				fmt.Fprintln(tw, "TOP_IP\tEVENTS\tSOURCE\tLAST_SEEN")
				for _, o := range st.TopIPs {
					fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", o.SrcIP, o.Events, o.Source, shortTime(o.LastSeen))
				}
				if err := tw.Flush(); err != nil {
					return err
				}
			}
			if len(st.Score.TopUsers) > 0 {
				fmt.Fprintln(out)
				tw = newTable(out)
				fmt.Fprintln(tw, "TOP_USER\tFAILED_LOGINS")
				for _, u := range st.Score.TopUsers {
					fmt.Fprintf(tw, "%s\t%d\n", u.Username, u.Count)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
			}

			if len(st.RecentActions) > 0 {
				fmt.Fprintln(out)
				return printActions(cmd, st.RecentActions)
			}
			return nil
		},
	}
}

func newActionsCmd(c *cli) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "actions",
		Short: "List recent defense actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()

			actions, err := c.client().Actions(ctx, limit)
			if err != nil {
				return err
			}
			if c.jsonOut {
				return printJSON(cmd.OutOrStdout(), actions)
			}
			return printActions(cmd, actions)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum actions to show")
	return cmd
}

func newEventsCmd(c *cli) *cobra.Command {
	var f client.EventFilter
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recorded events, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()

			events, err := c.client().Events(ctx, f)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if c.jsonOut {
				return printJSON(out, events)
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "TIME\tTYPE\tSOURCE\tSRC_IP\tDETAIL")
			for _, ev := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", shortTime(ev.Timestamp), ev.Type, ev.Source, ev.SrcIP, detail(ev.Metadata()))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&f.Since, "since", "", "RFC 3339 time or duration back from now, e.g. 15m")
	cmd.Flags().StringVar(&f.Type, "type", "", "Event type filter")
	cmd.Flags().StringVar(&f.SrcIP, "src-ip", "", "Source address filter")
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 50, "Maximum events to show")
	return cmd
}

func newSessionsCmd(c *cli) *cobra.Command {
	var (
		since string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List decoy sessions, most recently active first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()

			sessions, err := c.client().Sessions(ctx, since, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if c.jsonOut {
				return printJSON(out, sessions)
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "SESSION\tSOURCE\tSRC_IP\tUSER\tLOGIN\tCOMMANDS\tLAST_SEEN")
			for _, s := range sessions {
				user := s.Username
				if user == "" {
					user = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%d\t%s\n",
					s.ID, s.Source, s.SrcIP, user, s.LoginSuccess, s.CommandCount, shortTime(s.LastSeen))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "RFC 3339 time or duration back from now")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum sessions to show")
	return cmd
}

func newBlockListCmd(c *cli) *cobra.Command {
	list := func(cmd *cobra.Command, args []string) error {
		ctx, cancel := c.context(cmd)
		defer cancel()

		entries, err := c.client().BlockList(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if c.jsonOut {
			return printJSON(out, entries)
		}
		if len(entries) == 0 {
			fmt.Fprintln(out, "No blocked addresses")
			return nil
		}
		tw := newTable(out)
		fmt.Fprintln(tw, "SRC_IP\tREASON\tCREATED\tEXPIRES")
		for _, e := range entries {
			expires := "never"
			if e.ExpiresAt != nil {
				expires = shortTime(*e.ExpiresAt)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.SrcIP, e.Reason, shortTime(e.CreatedAt), expires)
		}
		return tw.Flush()
	}

	cmd := &cobra.Command{
		Use:   "blocklist",
		Short: "List or edit the persistent block-list",
		Args:  cobra.NoArgs,
		RunE:  list,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List blocked addresses",
		Args:  cobra.NoArgs,
		RunE:  list,
	}, &cobra.Command{
		Use:   "unblock IP",
		Short: "Remove an address from the block-list and the firewall",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := netip.ParseAddr(args[0])
			if err != nil {
				return fmt.Errorf("invalid address %q", args[0])
			}
			ctx, cancel := c.context(cmd)
			defer cancel()

			if err := c.client().Unblock(ctx, addr.String()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Unblocked %s\n", addr)
			return nil
		},
	})
	return cmd
}

func newTimelineCmd(c *cli) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "timeline",
		Short: "Show recent threat score points, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()

			points, err := c.client().Timeline(ctx, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if c.jsonOut {
				return printJSON(out, points)
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "TIME\tSCORE\tRAW\tLEVEL")
			for _, p := range points {
				fmt.Fprintf(tw, "%s\t%.2f\t%.2f\t%s\n", shortTime(p.At), p.Score, p.Raw, p.Level)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 60, "Maximum points to show")
	return cmd
}

func newResetCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Reset the threat score to zero",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()

			st, err := c.client().Reset(ctx)
			if err != nil {
				return err
			}
			if c.jsonOut {
				return printJSON(cmd.OutOrStdout(), st)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Threat score reset (level %s)\n", st.Level)
			return nil
		},
	}
}

func printActions(cmd *cobra.Command, actions []event.Action) error {
	tw := newTable(cmd.OutOrStdout())
	fmt.Fprintln(tw, "TIME\tTYPE\tSRC_IP\tSEVERITY\tENFORCEMENT\tSUMMARY")
	for _, a := range actions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortTime(a.CreatedAt), a.EventType, a.SrcIP, a.Severity, a.Enforcement.Reason, a.Summary)
	}
	return tw.Flush()
}

// detail renders event metadata as sorted key=value pairs.
func detail(meta map[string]any) string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, meta[k]))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}
