package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"packsync/network"
	"packsync/session"
)

var friendCmd = &cobra.Command{
	Use:   "friend <host:port> [message]",
	Short: "Introduce this instance to a peer",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		orchestrator, err := network.NewOrchestrator(network.OrchestratorConfig{
			Identity: a.identity(),
			Sessions: session.NewRegistry(),
			Peers:    a.store,
			Security: a.store,
		})
		if err != nil {
			return err
		}

		_, address := splitPeer(args[0])
		received, err := orchestrator.SendFriendRequest(cmd.Context(), address, strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		if !received {
			return fmt.Errorf("%s did not accept the request", address)
		}
		fmt.Printf("Friend request delivered to %s\n", address)
		return nil
	},
}
