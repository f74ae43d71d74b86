package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"packsync/crypto"
)

var idCmd = &cobra.Command{
	Use:   "id",
	Short: "Print this instance's identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Printf("Device ID:       %s\n", a.cfg.DeviceID)
		fmt.Printf("Device Name:     %s\n", a.cfg.DeviceName)
		fmt.Printf("Fingerprint:     %s\n", crypto.FormatFingerprint(a.fingerprint))
		fmt.Printf("Port Mode:       %s (%s)\n", a.cfg.PortMode, a.cfg.ListenAddress())
		fmt.Printf("Shared Root:     %s\n", a.cfg.SharedRoot)
		fmt.Printf("Config File:     %s\n", a.cfgPath)
		fmt.Printf("Database File:   %s\n", a.dbPath)
		return nil
	},
}
