package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"packsync/storage"
)

var historyFlags struct {
	Peer      string
	Direction string
	Limit     int
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List finished transfers",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		records, err := a.store.ListTransfers(storage.TransferFilter{
			PeerID:    historyFlags.Peer,
			Direction: historyFlags.Direction,
			Limit:     historyFlags.Limit,
		})
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No transfers yet.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "WHEN\tDIRECTION\tPEER\tMODPACK\tSTATUS\tFILES\tBYTES")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
				humanize.Time(time.UnixMilli(r.FinishedAt)), r.Direction, r.PeerID, r.Modpack, r.Status,
				r.FilesDone, r.FilesTotal, humanize.IBytes(uint64(max(r.BytesDone, 0))))
		}
		return w.Flush()
	},
}

func init() {
	historyCmd.Flags().StringVar(&historyFlags.Peer, "peer", "", "only transfers with this peer id")
	historyCmd.Flags().StringVar(&historyFlags.Direction, "direction", "", "upload or download")
	historyCmd.Flags().IntVar(&historyFlags.Limit, "limit", 20, "number of entries")
}
