package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eschnou/sunorooms/core/identity"
)

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Print this device's user id and nickname",
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := identity.Open(cfg.IdentityDB)
		if err != nil {
			return err
		}
		defer ids.Close()

		userID, err := ids.GetOrCreateUserID(cmd.Context())
		if err != nil {
			return err
		}
		nickname, err := ids.GetOrCreateNickname(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("User ID:  %s\nNickname: %s\nStore:    %s\n", userID, nickname, cfg.IdentityDB)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(whoamiCmd)
}
