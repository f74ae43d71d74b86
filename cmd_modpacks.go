package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"packsync/manifest"
	"packsync/models"
	"packsync/network"
	"packsync/session"
)

var modpacksFlags struct {
	Remote string
}

var modpacksCmd = &cobra.Command{
	Use:   "modpacks",
	Short: "List shareable modpacks, locally or on a peer",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		var packs []models.ModpackInfo
		if modpacksFlags.Remote == "" {
			packs, err = manifest.ListModpacks(cmd.Context(), a.cfg.SharedRoot)
			if err != nil {
				return err
			}
		} else {
			orchestrator, err := network.NewOrchestrator(network.OrchestratorConfig{
				Identity: a.identity(),
				Sessions: session.NewRegistry(),
				Peers:    a.store,
				Security: a.store,
			})
			if err != nil {
				return err
			}
			peerID, address := splitPeer(modpacksFlags.Remote)
			var peer models.PeerIdentity
			peer, packs, err = orchestrator.ListModpacks(cmd.Context(), address)
			if err != nil {
				return err
			}
			if peerID != "" && peer.ID != peerID {
				return fmt.Errorf("%w: expected %s, got %s", network.ErrPeerMismatch, peerID, peer.ID)
			}
			fmt.Printf("Peer: %s\n", peerLabel(peer.Name, peer.ID, peer.Verified))
		}

		if len(packs) == 0 {
			fmt.Println("No modpacks shared.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tTITLE\tVERSION\tMINECRAFT\tLOADER\tFILES\tSIZE")
		for _, p := range packs {
			loader := p.Loader
			if p.LoaderVersion != "" {
				loader += " " + p.LoaderVersion
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n", p.Name, p.Title, p.Version, p.MinecraftVersion, loader,
				p.FileCount, humanize.IBytes(uint64(max(p.TotalSize, 0))))
		}
		return w.Flush()
	},
}

func init() {
	modpacksCmd.Flags().StringVar(&modpacksFlags.Remote, "remote", "", "ask the peer at host:port instead of listing the shared root")
}
