package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newInjectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inject",
		Short: "Inject student input into a running server",
	}

	cmd.AddCommand(newInjectTextCmd())
	cmd.AddCommand(newInjectAudioCmd())
	return cmd
}

func newInjectTextCmd() *cobra.Command {
	var (
		addr string
		text string
		run  string
		by   string
	)

	cmd := &cobra.Command{
		Use:   "text",
		Short: "Inject a typed student response",
		Long:  "Submits text as if the student had spoken it. The response runs through noise filtering, audio capture and delivery to the AI mailbox like any live segment.",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := apiPost(addr, "/inject/student_text", map[string]any{
				"text":        text,
				"flow_run_id": run,
				"injected_by": by,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if resp["dropped"] == true {
				fmt.Fprintf(out, "Dropped as noise (segment %v)\n", resp["segment_id"])
				return nil
			}
			fmt.Fprintf(out, "Injected segment %v into run %v\n", resp["segment_id"], resp["flow_run_id"])
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", defaultAddr, "base URL of the Lectern server")
	cmd.Flags().StringVar(&text, "text", "", "student response text (required)")
	cmd.Flags().StringVar(&run, "run", "", "flow run id (default: allocate a fresh run)")
	cmd.Flags().StringVar(&by, "by", "cli", "operator name recorded on the injection")
	cmd.MarkFlagRequired("text")
	return cmd
}

func newInjectAudioCmd() *cobra.Command {
	var (
		addr string
		wav  string
		run  string
		by   string
	)

	cmd := &cobra.Command{
		Use:   "audio",
		Short: "Play a WAV file into the student microphone",
		Long:  "Plays a WAV file through the virtual student source so the speech surface hears it as live audio. Requires the audio bridge to be ready.",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := apiPost(addr, "/inject/student_audio", map[string]any{
				"wav_path":    wav,
				"flow_run_id": run,
				"injected_by": by,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Playing %s (segment %v)\n", wav, resp["segment_id"])
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", defaultAddr, "base URL of the Lectern server")
	cmd.Flags().StringVar(&wav, "wav", "", "path to the WAV file (required)")
	cmd.Flags().StringVar(&run, "run", "", "flow run id (default: allocate a fresh run)")
	cmd.Flags().StringVar(&by, "by", "cli", "operator name recorded on the injection")
	cmd.MarkFlagRequired("wav")
	return cmd
}
