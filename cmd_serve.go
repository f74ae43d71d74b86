package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"packsync/consent"
	"packsync/crypto"
	"packsync/network"
	"packsync/session"
)

var serveFlags struct {
	AutoApprove bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Share the modpacks under the shared root with peers",
	Long: `Listen for peers and answer their sync requests.

Every sync request is shown with the peer's identity and the size of the
transfer, and must be approved unless a remembered decision exists.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Int("port", 0, "TCP port to listen on (0 picks a free port)")
	serveCmd.Flags().String("shared-root", "", "directory holding one sub-directory per modpack")
	serveCmd.Flags().Int64("upload-limit", 0, "per-session upload cap in bytes per second (0 = unlimited)")
	serveCmd.Flags().BoolVar(&serveFlags.AutoApprove, "auto-approve", false, "approve every sync request without asking")
	_ = viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("shared_root", serveCmd.Flags().Lookup("shared-root"))
	_ = viper.BindPFlag("upload_limit", serveCmd.Flags().Lookup("upload-limit"))
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := os.MkdirAll(a.cfg.SharedRoot, 0o755); err != nil {
		return fmt.Errorf("create shared root: %w", err)
	}

	registry := session.NewRegistry()
	events := network.NewEventBus(0)
	broker := consent.NewBroker(a.store)

	handler, err := network.NewHandler(network.HandlerConfig{
		Identity:          a.identity(),
		SharedRoot:        a.cfg.SharedRoot,
		Sessions:          registry,
		Events:            events,
		Consent:           broker,
		Permissions:       a.store,
		Peers:             a.store,
		Security:          a.store,
		History:           a.store,
		MaxTransferSize:   a.cfg.MaxTransferSize,
		MaxFileSize:       a.cfg.MaxFileSize,
		UploadLimit:       a.cfg.UploadLimit,
		ConsentTimeout:    a.cfg.ConsentTimeout(),
		RequestsPerSecond: a.cfg.RequestsPerSecond,
		RequestBurst:      a.cfg.RequestBurst,
	})
	if err != nil {
		return err
	}
	server, err := network.Listen(a.cfg.ListenAddress(), handler)
	if err != nil {
		return err
	}
	defer server.Close()

	fmt.Printf("Device ID:       %s\n", a.cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", a.cfg.DeviceName)
	fmt.Printf("Listening On:    %s\n", server.Addr())
	fmt.Printf("Fingerprint:     %s\n", crypto.FormatFingerprint(a.fingerprint))
	fmt.Printf("Shared Root:     %s\n", a.cfg.SharedRoot)
	fmt.Printf("Database File:   %s\n", a.dbPath)
	fmt.Println("Status:          running (press Ctrl+C to stop)")

	prompts := make(chan consent.Request, 16)
	if !serveFlags.AutoApprove {
		go promptLoop(os.Stdin, prompts, broker)
	}

	ctx := cmd.Context()
	for {
		select {
		case <-ctx.Done():
			fmt.Println("Status:          shutting down")
			return nil
		case e := <-events.Events():
			handleServeEvent(e, registry, broker, prompts)
		}
	}
}

// handleServeEvent prints one event. Finished uploads are already in the
// history table, so they leave the registry here.
func handleServeEvent(e network.Event, registry *session.Registry, broker *consent.Broker, prompts chan<- consent.Request) {
	switch e.Type {
	case network.EventCompleted, network.EventCancelled, network.EventError:
		defer registry.Remove(e.SessionID)
	}

	switch e.Type {
	case network.EventIncomingRequest:
		if serveFlags.AutoApprove {
			if err := broker.Decide(e.Request.ID, true, false); err != nil {
				log.Warnw("auto-approve failed", "request", e.Request.ID, "error", err)
			}
			color.Green("Approved %s for %s (auto)", e.Request.Modpack, peerLabel(e.Request.PeerName, e.Request.PeerID, e.Request.Verified))
			return
		}
		select {
		case prompts <- *e.Request:
		default:
			log.Warnw("too many pending prompts; request will time out", "request", e.Request.ID)
		}
	case network.EventFriendRequest:
		color.Cyan("Friend request from %s (%s): %s", e.Friend.DisplayName, e.Friend.PeerID, e.Friend.Message)
	case network.EventSessionCreated:
		fmt.Printf("Upload %s started for %s\n", shortID(e.SessionID), e.PeerID)
	case network.EventCompleted:
		color.Green("Upload %s to %s completed", shortID(e.SessionID), e.PeerID)
	case network.EventCancelled:
		color.Yellow("Upload %s to %s cancelled", shortID(e.SessionID), e.PeerID)
	case network.EventError:
		color.Red("Upload %s to %s failed: %s", shortID(e.SessionID), e.PeerID, e.Message)
	}
}

// promptLoop asks about one request at a time on in.
func promptLoop(in io.Reader, prompts <-chan consent.Request, broker *consent.Broker) {
	reader := bufio.NewReader(in)
	for req := range prompts {
		color.Yellow("%s wants to sync %q: %d files, %s", peerLabel(req.PeerName, req.PeerID, req.Verified), req.Modpack, req.FileCount, humanize.IBytes(uint64(req.TotalBytes)))
		fmt.Print("Allow? [y]es / [n]o / [a]lways / ne[v]er: ")

		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return
		}
		approve, remember := parseAnswer(line)
		if err := broker.Decide(req.ID, approve, remember); err != nil {
			color.Red("Request %s is no longer pending: %v", shortID(req.ID), err)
		}
	}
}

func parseAnswer(line string) (approve, remember bool) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, false
	case "a", "always":
		return true, true
	case "v", "never":
		return false, true
	default:
		return false, false
	}
}

func peerLabel(name, id string, verified bool) string {
	label := id
	if name != "" {
		label = fmt.Sprintf("%s (%s)", name, id)
	}
	if !verified {
		label += " [unverified]"
	}
	return label
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
