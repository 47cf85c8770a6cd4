package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func callCmd() *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "call METHOD PATH",
		Short: "Call a node REST endpoint over the websocket",
		Example: "  nodelink call GET /offers\n" +
			"  nodelink call POST /offers/abc/take --data '{\"amount\":100000}'\n" +
			"  echo '{}' | nodelink call PATCH /settings --data -",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readBody(data)
			if err != nil {
				return err
			}

			c, _, cleanup, err := newNodeClient(appCfg, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := cmd.Context()
			if err := c.Connect(ctx); err != nil {
				return err
			}
			resp, err := c.Call(ctx, args[0], args[1], body)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "HTTP %d\n", resp.StatusCode)
			fmt.Println(resp.Body)
			if resp.StatusCode >= 400 {
				return fmt.Errorf("node answered HTTP %d", resp.StatusCode)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "request body ('-' reads stdin)")
	return cmd
}

func readBody(data string) ([]byte, error) {
	if data == "-" {
		b, err := io.ReadAll(io.LimitReader(os.Stdin, 4<<20))
		return []byte(strings.TrimSpace(string(b))), err
	}
	return []byte(data), nil
}
