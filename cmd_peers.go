package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"packsync/crypto"
	"packsync/storage"
)

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "Manage peers seen at handshake",
}

var peersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known peers",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		peers, err := a.store.ListPeers()
		if err != nil {
			return err
		}
		if len(peers) == 0 {
			fmt.Println("No peers seen yet.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PEER\tNAME\tVERIFIED\tSTATUS\tFINGERPRINT\tLAST SEEN\tADDRESS")
		for _, p := range peers {
			address := ""
			if p.LastAddress != nil {
				address = *p.LastAddress
			}
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\t%s\n", p.PeerID, p.DisplayName, p.Verified, p.Status,
				crypto.FormatFingerprint(p.KeyFingerprint), humanize.Time(time.UnixMilli(p.LastSeen)), address)
		}
		return w.Flush()
	},
}

func peerStatusCmd(use, short, status string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <peer-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.store.SetPeerStatus(args[0], status); err != nil {
				return err
			}
			fmt.Printf("%s is now %s\n", args[0], status)
			return nil
		},
	}
}

var peersForgetCmd = &cobra.Command{
	Use:   "forget <peer-id>",
	Short: "Remove a peer and its remembered decisions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.store.RemovePeer(args[0]); err != nil {
			return err
		}
		fmt.Printf("Forgot %s\n", args[0])
		return nil
	},
}

func init() {
	peersCmd.AddCommand(
		peersListCmd,
		peerStatusCmd("block", "Refuse connections from a peer", storage.PeerStatusBlocked),
		peerStatusCmd("unblock", "Accept connections from a peer again", storage.PeerStatusKnown),
		peersForgetCmd,
	)
}
