package main

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var (
		addr  string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the pipeline status of a running server",
		Long:  "Displays the audio bridge state, per-role queue depths and the most recent response segments.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, addr, limit)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", defaultAddr, "base URL of the Lectern server")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of recent segments to show")
	return cmd
}

func runStatus(cmd *cobra.Command, addr string, limit int) error {
	resp, err := apiGet(addr, "/pipeline_status", url.Values{"limit": {strconv.Itoa(limit)}})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if bridge, ok := resp["audio_bridge"].(map[string]any); ok {
		state := "not ready"
		if bridge["ready"] == true {
			state = "ready"
		}
		fmt.Fprintf(out, "Audio bridge: %s (sink=%v, source=%v)\n",
			state, bridge["sink_name"], bridge["source_name"])
	}

	if queues, ok := resp["queues"].(map[string]any); ok {
		roles := make([]string, 0, len(queues))
		for role := range queues {
			roles = append(roles, role)
		}
		sort.Strings(roles)

		fmt.Fprintln(out, "\nQueues:")
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ROLE\tDEPTH")
		for _, role := range roles {
			fmt.Fprintf(w, "%s\t%v\n", role, queues[role])
		}
		w.Flush()
	}

	segments, _ := resp["segments"].([]any)
	fmt.Fprintf(out, "\nSegments (%d):\n", len(segments))
	if len(segments) > 0 {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SEGMENT\tRUN\tSTATUS\tINJECTED")
		for _, raw := range segments {
			seg, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			fmt.Fprintf(w, "%v\t%v\t%v\t%v\n",
				seg["segment_id"], seg["flow_run_id"], seg["status"], seg["injected"])
		}
		w.Flush()
	}
	return nil
}
