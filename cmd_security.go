package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"packsync/storage"
)

var securityFlags struct {
	Peer        string
	Type        string
	MinSeverity string
	Since       time.Duration
	Limit       int
	Summary     bool
}

var securityCmd = &cobra.Command{
	Use:   "security",
	Short: "Show refused and suspicious requests from peers",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		var since int64
		if securityFlags.Since > 0 {
			since = time.Now().Add(-securityFlags.Since).UnixMilli()
		}
		if securityFlags.Summary {
			counts, err := a.store.SummarizeSecurityEvents(since)
			if err != nil {
				return err
			}
			return printSecuritySummary(counts)
		}

		events, err := a.store.ListSecurityEvents(storage.SecurityEventFilter{
			EventType:   securityFlags.Type,
			PeerID:      securityFlags.Peer,
			MinSeverity: securityFlags.MinSeverity,
			Since:       since,
			Limit:       securityFlags.Limit,
		})
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Println("No security events.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "WHEN\tSEVERITY\tEVENT\tPEER\tADDRESS\tMODPACK\tDETAILS")
		for _, e := range events {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", humanize.Time(time.UnixMilli(e.Timestamp)),
				severityLabel(e.Severity), e.EventType, e.PeerID, e.RemoteAddr, e.Modpack, e.Details)
		}
		return w.Flush()
	},
}

func printSecuritySummary(counts []storage.SecurityEventCount) error {
	if len(counts) == 0 {
		fmt.Println("No security events.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "EVENT\tPEER\tCOUNT\tWORST\tLAST")
	for _, c := range counts {
		peer := c.PeerID
		if peer == "" {
			peer = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", c.EventType, peer, c.Count, severityLabel(c.Severity),
			humanize.Time(time.UnixMilli(c.LastSeen)))
	}
	return w.Flush()
}

func severityLabel(severity string) string {
	switch severity {
	case storage.SecuritySeverityCritical:
		return color.RedString(severity)
	case storage.SecuritySeverityWarning:
		return color.YellowString(severity)
	default:
		return severity
	}
}

func init() {
	securityCmd.Flags().StringVar(&securityFlags.Peer, "peer", "", "only events from this peer id")
	securityCmd.Flags().StringVar(&securityFlags.Type, "type", "", "only events of this type")
	securityCmd.Flags().StringVar(&securityFlags.MinSeverity, "min-severity", "", "info, warning or critical")
	securityCmd.Flags().DurationVar(&securityFlags.Since, "since", 0, "only events newer than this (e.g. 24h)")
	securityCmd.Flags().IntVar(&securityFlags.Limit, "limit", 50, "number of events")
	securityCmd.Flags().BoolVar(&securityFlags.Summary, "summary", false, "count events per type and peer")
}
