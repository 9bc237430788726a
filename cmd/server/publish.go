package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"feedhandler/infra/frame"
	"feedhandler/infra/kafka"
)

// newPublishCmd writes a synthetic channel stream to the frames topic,
// optionally with holes, to exercise gap recovery end to end.
func newPublishCmd() *cobra.Command {
	var (
		brokers []string
		topic   string
		channel int32
		from    int64
		count   int
		skip    string
		sender  uint8
		missing bool
	)
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a synthetic message stream for one channel",
		RunE: func(cmd *cobra.Command, _ []string) error {
			skipped, err := parseSkip(skip)
			if err != nil {
				return err
			}

			p := kafka.NewProducer(brokers, topic)
			defer p.Close()

			f := &frame.Frame{ChannelID: channel, SenderSinkID: sender}
			sent := 0
			for seq := from; seq < from+int64(count); seq++ {
				if _, ok := skipped[seq]; ok {
					continue
				}
				f.Kind = frame.KindMessage
				f.ChannelSeq = seq
				f.Payload = strconv.AppendInt(f.Payload[:0], seq, 10)
				if err := p.SendFrame(cmd.Context(), f); err != nil {
					return err
				}
				sent++
			}

			if missing {
				for seq := range skipped {
					f.Kind = frame.KindMissing
					f.ChannelSeq = seq
					f.SnapshotSeq = 1
					f.Payload = f.Payload[:0]
					if err := p.SendFrame(cmd.Context(), f); err != nil {
						return err
					}
				}
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "published %d frames to %s\n", sent, topic)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&brokers, "brokers", []string{"localhost:9092"}, "Kafka brokers")
	cmd.Flags().StringVar(&topic, "topic", "feed.frames", "frames topic")
	cmd.Flags().Int32Var(&channel, "channel", 1, "channel id")
	cmd.Flags().Int64Var(&from, "from", 1, "first channel sequence")
	cmd.Flags().IntVar(&count, "count", 100, "number of sequences")
	cmd.Flags().StringVar(&skip, "skip", "", "comma separated sequences to leave out")
	cmd.Flags().Uint8Var(&sender, "sender", 1, "sender sink id")
	cmd.Flags().BoolVar(&missing, "announce-missing", false, "follow up with a MISSING notice for every skipped sequence")
	return cmd
}

func parseSkip(s string) (map[int64]struct{}, error) {
	out := make(map[int64]struct{})
	if s == "" {
		return out, nil
	}
	for _, part := range strings.Split(s, ",") {
		seq, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid --skip entry %q: %w", part, err)
		}
		out[seq] = struct{}{}
	}
	return out, nil
}
