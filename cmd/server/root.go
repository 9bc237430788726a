package main

import "github.com/spf13/cobra"

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "feedhandler",
		Short:         "Sequenced channel feed handler with gap recovery",
		Long:          "feedhandler consumes sequenced channel frames, detects gaps, requests retransmission and releases every channel downstream strictly in order.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newJournalCmd(),
		newPublishCmd(),
	)
	return rootCmd
}
