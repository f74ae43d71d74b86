package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"packsync/consent"
	"packsync/validate"
)

var permissionsCmd = &cobra.Command{
	Use:   "permissions",
	Short: "Inspect or revoke remembered sync decisions",
}

var permissionsListCmd = &cobra.Command{
	Use:   "list [peer-id]",
	Short: "List remembered decisions",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		peerID := ""
		if len(args) == 1 {
			peerID = args[0]
		}
		permissions, err := a.store.ListPermissions(peerID)
		if err != nil {
			return err
		}
		if len(permissions) == 0 {
			fmt.Println("No remembered decisions.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PEER\tCONTENT\tDECISION\tUPDATED")
		for _, p := range permissions {
			decision := "deny"
			if p.Allowed {
				decision = "allow"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.PeerID, p.ContentType, decision, humanize.Time(time.UnixMilli(p.UpdatedAt)))
		}
		return w.Flush()
	},
}

var permissionsRevokeCmd = &cobra.Command{
	Use:   "revoke <peer-id> <modpack>",
	Short: "Forget the decision for one peer and modpack",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validate.ValidateModpackName(args[1]); err != nil {
			return err
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.store.ForgetPermission(args[0], consent.ContentType(consent.KindModpack, args[1])); err != nil {
			return err
		}
		fmt.Printf("Forgot decision for %s on %s\n", args[0], args[1])
		return nil
	},
}

func init() {
	permissionsCmd.AddCommand(permissionsListCmd, permissionsRevokeCmd)
}
