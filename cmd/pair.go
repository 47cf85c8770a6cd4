package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nodelink/internal/nodeerr"
	"github.com/nextlevelbuilder/nodelink/internal/pairing"
)

func pairCmd() *cobra.Command {
	var (
		name      string
		file      string
		assumeYes bool
	)
	cmd := &cobra.Command{
		Use:   "pair [qr-payload]",
		Short: "Pair with a node using the payload of its QR code",
		Long: "Pair with a node. The QR payload can be given as an argument, read from\n" +
			"a file (--file, '-' for stdin) or entered interactively.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(args, file)
			if err != nil {
				return err
			}
			if name == "" {
				name, err = promptString("Client name", "Shown on the node's list of paired clients", appCfg.Client.Name)
				if err != nil {
					return err
				}
			}

			c, _, cleanup, err := newNodeClient(appCfg, confirmFirstUse(assumeYes))
			if err != nil {
				return err
			}
			defer cleanup()

			resp, err := c.Pair(cmd.Context(), payload, name)
			if err != nil {
				return err
			}
			fmt.Printf("Paired as %q (client %s).\n", name, resp.ClientID)
			if exp := resp.SessionExpiry(); !exp.IsZero() {
				fmt.Printf("Session valid until %s.\n", exp.Local().Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "client name shown on the node")
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the QR payload from a file ('-' for stdin)")
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "trust the node certificate without asking when the QR code carries no fingerprint")
	return cmd
}

func readPayload(args []string, file string) (string, error) {
	switch {
	case len(args) == 1:
		return args[0], nil
	case file == "-":
		b, err := io.ReadAll(io.LimitReader(os.Stdin, 64<<10))
		return strings.TrimSpace(string(b)), err
	case file != "":
		b, err := os.ReadFile(file)
		return strings.TrimSpace(string(b)), err
	}
	return promptString("QR payload", "Paste the text encoded in the node's pairing QR code", "")
}

// confirmFirstUse asks before trusting a certificate the QR code does not
// vouch for. Only masked fingerprints are printed.
func confirmFirstUse(assumeYes bool) pairing.FirstUseFunc {
	return func(ctx context.Context, fu pairing.FirstUse) error {
		if fu.Matches() {
			return nil
		}
		fmt.Printf("The pairing code for %s carries no certificate fingerprint.\n", fu.Host)
		fmt.Printf("The node presented certificate %s.\n", nodeerr.Mask(fu.Observed))
		if assumeYes {
			return nil
		}
		ok, err := promptConfirm("Trust this certificate for all future connections?", false)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("declined by user")
		}
		return nil
	}
}
