package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"packsync/network"
	"packsync/session"
)

type SyncFlags struct {
	Peers       []string
	Modpack     string
	Destination string
	Limit       string
	MaxTransfer string
}

var syncFlags SyncFlags

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Download a modpack from one or more peers",
	Long: `Bring a local modpack directory in line with a peer's copy.

A peer is given as host:port, optionally prefixed with its device id
(id@host:port) to refuse any other instance at that address. With several
--peer flags each peer is synced into its own sub-directory of --dest.

While running, type p to pause, r to resume, c to cancel, or
"l <rate>" (for example "l 2MB") to change the bandwidth cap.`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return validateSyncFlags(&syncFlags)
	},
	RunE: runSync,
}

func init() {
	syncCmd.Flags().StringArrayVar(&syncFlags.Peers, "peer", nil, "peer address, [id@]host:port (repeatable)")
	syncCmd.Flags().StringVar(&syncFlags.Modpack, "modpack", "", "name of the modpack on the peer")
	syncCmd.Flags().StringVar(&syncFlags.Destination, "dest", "", "local instance directory")
	syncCmd.Flags().StringVar(&syncFlags.Limit, "limit", "", "download cap per session, e.g. 5MB (default unlimited)")
	syncCmd.Flags().StringVar(&syncFlags.MaxTransfer, "max-transfer", "", "refuse syncs larger than this, e.g. 4GB")
}

func validateSyncFlags(flags *SyncFlags) error {
	if len(flags.Peers) == 0 {
		return errors.New("at least one --peer is required")
	}
	if flags.Modpack == "" {
		return errors.New("--modpack is required")
	}
	if flags.Destination == "" {
		return errors.New("--dest is required")
	}
	if _, err := parseRate(flags.Limit); err != nil {
		return fmt.Errorf("--limit: %w", err)
	}
	if _, err := parseRate(flags.MaxTransfer); err != nil {
		return fmt.Errorf("--max-transfer: %w", err)
	}
	return nil
}

func parseRate(value string) (int64, error) {
	if value == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

// splitPeer parses [id@]host:port.
func splitPeer(value string) (peerID, address string) {
	if id, addr, ok := strings.Cut(value, "@"); ok {
		return id, addr
	}
	return "", value
}

func runSync(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	limit, _ := parseRate(syncFlags.Limit)
	maxTransfer, _ := parseRate(syncFlags.MaxTransfer)

	registry := session.NewRegistry()
	events := network.NewEventBus(0)
	orchestrator, err := network.NewOrchestrator(network.OrchestratorConfig{
		Identity:        a.identity(),
		Sessions:        registry,
		Events:          events,
		History:         a.store,
		Peers:           a.store,
		Security:        a.store,
		MaxTransferSize: a.cfg.MaxTransferSize,
		MaxFileSize:     a.cfg.MaxFileSize,
	})
	if err != nil {
		return err
	}

	targets := make([]network.SyncOptions, 0, len(syncFlags.Peers))
	for _, value := range syncFlags.Peers {
		peerID, address := splitPeer(value)
		dest := syncFlags.Destination
		if len(syncFlags.Peers) > 1 {
			dest = filepath.Join(dest, sanitizeDirName(value))
		}
		targets = append(targets, network.SyncOptions{
			Address:         address,
			PeerID:          peerID,
			Modpack:         syncFlags.Modpack,
			Destination:     dest,
			BandwidthLimit:  limit,
			MaxTransferSize: maxTransfer,
		})
	}

	go controlLoop(os.Stdin, registry)
	done := make(chan []network.Result, 1)
	go func() {
		done <- orchestrator.Broadcast(cmd.Context(), targets)
	}()

	render := newProgressRenderer(len(targets) == 1)
	for {
		select {
		case results := <-done:
			render.finish()
			return reportResults(results)
		case e := <-events.Events():
			render.handle(e)
		}
	}
}

func sanitizeDirName(value string) string {
	return strings.NewReplacer(":", "_", "@", "_", "/", "_", `\`, "_").Replace(value)
}

// controlLoop applies pause/resume/cancel/limit commands to every session.
func controlLoop(in io.Reader, registry *session.Registry) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		for _, s := range registry.List() {
			if s.Status.Terminal() {
				continue
			}
			var err error
			switch fields[0] {
			case "p", "pause":
				err = registry.Pause(s.ID)
			case "r", "resume":
				err = registry.Resume(s.ID)
			case "c", "cancel":
				err = registry.Cancel(s.ID)
			case "l", "limit":
				var rate int64
				if len(fields) > 1 {
					rate, err = parseRate(fields[1])
				}
				if err == nil {
					err = registry.SetBandwidthLimit(s.ID, rate)
				}
			default:
				err = fmt.Errorf("unknown command %q", fields[0])
			}
			if err != nil {
				color.Red("%s: %v", shortID(s.ID), err)
			}
		}
	}
}

// progressRenderer draws a byte bar for a single sync, or status lines for several.
type progressRenderer struct {
	single bool
	bar    *progressbar.ProgressBar
}

func newProgressRenderer(single bool) *progressRenderer {
	return &progressRenderer{single: single}
}

func (r *progressRenderer) handle(e network.Event) {
	switch e.Type {
	case network.EventProgress:
		p := e.Progress
		if !r.single {
			return
		}
		if r.bar == nil {
			r.bar = progressbar.NewOptions64(p.BytesTotal,
				progressbar.OptionSetDescription("downloading"),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionShowBytes(true),
				progressbar.OptionSetWidth(40),
				progressbar.OptionThrottle(100*time.Millisecond),
				progressbar.OptionSetRenderBlankState(true),
			)
		}
		r.bar.Describe(fmt.Sprintf("%d/%d %s", p.FilesDone, p.FilesTotal, p.CurrentFile))
		_ = r.bar.Set64(p.BytesDone)
	case network.EventSessionCreated:
		if !r.single {
			fmt.Printf("Session %s started\n", shortID(e.SessionID))
		}
	}
}

func (r *progressRenderer) finish() {
	if r.bar != nil {
		_ = r.bar.Finish()
		fmt.Println()
	}
}

func reportResults(results []network.Result) error {
	failed := 0
	for _, result := range results {
		peer := result.PeerID
		if peer == "" {
			peer = "?"
		}
		switch result.Status {
		case session.StatusCompleted:
			color.Green("%s: %s synced, %d files (%s) downloaded, %d removed",
				peer, result.Modpack, result.FilesDownloaded, humanize.IBytes(uint64(result.BytesDownloaded)), result.FilesDeleted)
		case session.StatusCancelled:
			color.Yellow("%s: cancelled; partial files were kept and will resume next time", peer)
		default:
			failed++
			color.Red("%s: failed: %v", peer, result.Err)
			for _, path := range result.FailedFiles {
				fmt.Printf("  not downloaded: %s\n", path)
			}
		}
		for _, path := range result.VerifyMismatches {
			color.Yellow("  %s does not match the peer's hash", path)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d syncs failed", failed, len(results))
	}
	return nil
}
