package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "packsync",
	Short: "packsync - peer-to-peer modpack synchronization",
	Long: `packsync keeps Minecraft modpack instances in sync between launchers.

Two instances that can reach each other over TCP connect directly, authenticate
with a signed identity, encrypt every file chunk and exchange only the files
that differ.

Usage:
  Share the instances under the shared root:  packsync serve
  Pull one of them from a friend:             packsync sync --peer host:port --modpack name --dest dir`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("name", "", "display name presented to peers")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("name", rootCmd.PersistentFlags().Lookup("name"))
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	viper.SetEnvPrefix("PACKSYNC")
	viper.AutomaticEnv()

	rootCmd.AddCommand(serveCmd, syncCmd, idCmd, historyCmd, permissionsCmd, peersCmd, modpacksCmd, friendCmd, securityCmd)
}
