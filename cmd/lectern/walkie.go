package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newWalkieCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "walkie",
		Short: "Walkie signaling commands",
	}

	cmd.AddCommand(newWalkieInfoCmd())
	cmd.AddCommand(newWalkieCreateCmd())
	return cmd
}

func newWalkieInfoCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show walkie TLS state and page URLs",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := apiGet(addr, "/walkie/api/info", nil)
			if err != nil {
				return err
			}
			info, ok := resp["walkie"].(map[string]any)
			if !ok {
				return fmt.Errorf("malformed info response: %v", resp)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "TLS enabled:     %v\n", info["tls_enabled"])
			fmt.Fprintf(out, "TLS ready:       %v\n", info["tls_ready"])
			fmt.Fprintf(out, "Active sessions: %v\n", info["active_sessions"])
			fmt.Fprintf(out, "Receiver:        %v\n", info["receiver_local_url"])
			fmt.Fprintf(out, "Transmitter:     %v\n", info["transmitter_lan_url"])
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", defaultAddr, "base URL of the Lectern server")
	return cmd
}

func newWalkieCreateCmd() *cobra.Command {
	var (
		addr string
		run  string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a walkie session and print its pair code",
		Long:  "Creates a receiver-side walkie session. Open the printed transmitter URL on the phone and enter the pair code to connect.",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := apiPost(addr, "/walkie/api/session/create", map[string]any{
				"flow_run_id": run,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Session:   %v\n", resp["session_id"])
			fmt.Fprintf(out, "Pair code: %v\n", resp["pair_code"])
			fmt.Fprintf(out, "Run:       %v\n", resp["flow_run_id"])
			fmt.Fprintf(out, "Receiver:  %v\n", resp["receiver_url"])
			fmt.Fprintf(out, "Phone URL: %v\n", resp["transmitter_url_with_code"])
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", defaultAddr, "base URL of the Lectern server")
	cmd.Flags().StringVar(&run, "run", "", "flow run id to tag session events with")
	return cmd
}
