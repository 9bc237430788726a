package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"feedhandler/infra/frame"
	"feedhandler/infra/journal"
)

func newJournalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the recovery journal",
	}
	cmd.AddCommand(newJournalDumpCmd())
	return cmd
}

func newJournalDumpCmd() *cobra.Command {
	var (
		dir     string
		channel int32
		payload bool
	)
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print every released event in write order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			count, err := journal.Replay(dir, func(f *frame.Frame) error {
				if channel >= 0 && f.ChannelID != channel {
					return nil
				}
				_, err := fmt.Fprintf(out, "%-20s channel=%d seq=%d snapshot_seq=%d last=%t template=%d len=%d",
					f.Kind, f.ChannelID, f.ChannelSeq, f.SnapshotSeq, f.IsLast, f.TemplateID, len(f.Payload))
				if err != nil {
					return err
				}
				if payload {
					_, err = fmt.Fprintf(out, " payload=%x", f.Payload)
					if err != nil {
						return err
					}
				}
				_, err = fmt.Fprintln(out)
				return err
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%d frames\n", count)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "./data/journal", "journal directory")
	cmd.Flags().Int32Var(&channel, "channel", -1, "only print this channel")
	cmd.Flags().BoolVar(&payload, "payload", false, "print payloads as hex")
	return cmd
}
