package main

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"
)

func newLogsCmd() *cobra.Command {
	var (
		addr  string
		clear bool
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Dump the server's debug event ring",
		Long:  "Prints the buffered debug events of a running server. With --clear, the ring is drained so the next poll returns only new events.",
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if clear {
				query.Set("clear", "1")
			}
			resp, err := apiGet(addr, "/get_logs", query)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			events, _ := resp["events"].([]any)
			if len(events) == 0 {
				fmt.Fprintln(out, "No events")
				return nil
			}
			for _, raw := range events {
				e, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				ts := "--:--:--.---"
				if ms, ok := e["ts"].(float64); ok {
					ts = time.UnixMilli(int64(ms)).Format("15:04:05.000")
				}
				fmt.Fprintf(out, "%s  %-5v %v\n", ts, e["level"], e["event"])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", defaultAddr, "base URL of the Lectern server")
	cmd.Flags().BoolVar(&clear, "clear", false, "drain the ring after reading")
	return cmd
}
