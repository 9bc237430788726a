package service

import (
	"errors"
	"os"

	"go.uber.org/zap"

	"feedhandler/infra/frame"
	"feedhandler/infra/journal"
)

/*
ResumePointsFromJournal returns, per channel, the highest message
sequence already released downstream according to the journal in dir.

IMPORTANT:
- This MUST run before the journal is reopened for writing
- A completed snapshot counts as released up to its position
*/
func ResumePointsFromJournal(dir string, log *zap.Logger) (map[int32]int64, error) {
	points := make(map[int32]int64)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return points, nil
	}

	count, err := journal.Replay(dir, func(f *frame.Frame) error {
		switch {
		case f.Kind == frame.KindMessage:
			points[f.ChannelID] = f.ChannelSeq
		case f.Kind == frame.KindSequentialSnapshot && f.IsLast:
			if last, ok := points[f.ChannelID]; !ok || f.ChannelSeq > last {
				points[f.ChannelID] = f.ChannelSeq
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for id, seq := range points {
		log.Info("resume point", zap.Int32("channel_id", id), zap.Int64("channel_seq", seq))
	}
	log.Info("journal replay completed", zap.Int("frames", count))
	return points, nil
}
