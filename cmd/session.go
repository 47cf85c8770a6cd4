package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage the node session",
	}
	cmd.AddCommand(sessionRefreshCmd())
	return cmd
}

func sessionRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Obtain a new session from the node",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, store, cleanup, err := newNodeClient(appCfg, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := c.RefreshSession(cmd.Context()); err != nil {
				return err
			}
			s, err := store.Load(cmd.Context())
			if err != nil {
				return err
			}
			if s.SessionExpiry.IsZero() {
				fmt.Println("Session refreshed.")
			} else {
				fmt.Printf("Session refreshed, valid for %s.\n", time.Until(s.SessionExpiry).Round(time.Minute))
			}
			return nil
		},
	}
}
