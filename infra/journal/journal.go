// Package journal keeps an append-only, segmented record of every
// channel event released downstream, so a session can be audited or
// replayed after the fact.
package journal

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"feedhandler/infra/frame"
)

type Config struct {
	Dir             string
	SegmentSize     int64
	SegmentDuration time.Duration
	// SyncEveryWrite fsyncs after each append.
	SyncEveryWrite bool
}

// Journal is safe for concurrent appends from several channel workers.
type Journal struct {
	mu sync.Mutex

	dir            string
	segSize        int64
	segDuration    time.Duration
	syncEveryWrite bool
	current        *segment
	segIndex       int
	lastRotate     time.Time
	buf            []byte
}

// Open continues after the newest existing segment in cfg.Dir.
func Open(cfg Config) (*Journal, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	files, err := listSegments(cfg.Dir)
	if err != nil {
		return nil, err
	}
	index := 0
	if n := len(files); n > 0 {
		last, err := segmentIndex(files[n-1])
		if err != nil {
			return nil, fmt.Errorf("journal: bad segment name %q: %w", files[n-1], err)
		}
		index = last + 1
	}

	seg, err := openSegment(cfg.Dir, index)
	if err != nil {
		return nil, err
	}
	return &Journal{
		dir:            cfg.Dir,
		segSize:        cfg.SegmentSize,
		segDuration:    cfg.SegmentDuration,
		syncEveryWrite: cfg.SyncEveryWrite,
		current:        seg,
		segIndex:       index,
		lastRotate:     time.Now(),
	}, nil
}

// Append writes one frame to the current segment.
func (j *Journal) Append(f *frame.Frame) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var err error
	j.buf, err = frame.AppendEncode(j.buf[:0], f)
	if err != nil {
		return err
	}
	if err := j.current.append(j.buf); err != nil {
		return err
	}
	if j.syncEveryWrite {
		if err := j.current.sync(); err != nil {
			return err
		}
	}
	if j.shouldRotate() {
		return j.rotate()
	}
	return nil
}

func (j *Journal) shouldRotate() bool {
	if j.segSize > 0 && j.current.offset >= j.segSize {
		return true
	}
	return j.segDuration > 0 && time.Since(j.lastRotate) >= j.segDuration
}

func (j *Journal) rotate() error {
	_ = j.current.close()
	j.segIndex++

	seg, err := openSegment(j.dir, j.segIndex)
	if err != nil {
		return err
	}
	j.current = seg
	j.lastRotate = time.Now()
	return nil
}

// RetainSegments removes all but the newest keep closed segments.
func (j *Journal) RetainSegments(keep int) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	files, err := listSegments(j.dir)
	if err != nil {
		return err
	}
	closed := files[:0]
	for _, path := range files {
		if idx, err := segmentIndex(path); err == nil && idx != j.segIndex {
			closed = append(closed, path)
		}
	}
	if len(closed) <= keep {
		return nil
	}
	for _, path := range closed[:len(closed)-keep] {
		if err := os.Remove(path); err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.current.close()
}

// ReplayHandler receives each journalled frame. The frame is reused
// between calls.
type ReplayHandler func(*frame.Frame) error

// Replay walks every segment in dir in write order. It fails if a
// channel's message sequence goes backwards, which would mean the
// journal recorded an out-of-order release.
func Replay(dir string, fn ReplayHandler) (count int, err error) {
	files, err := listSegments(dir)
	if err != nil {
		return 0, err
	}

	lastSeq := make(map[int32]int64)
	var f frame.Frame
	for _, path := range files {
		n, err := replaySegment(path, &f, lastSeq, fn)
		count += n
		if err != nil {
			return count, fmt.Errorf("journal: %s: %w", path, err)
		}
	}
	return count, nil
}

func replaySegment(path string, f *frame.Frame, lastSeq map[int32]int64, fn ReplayHandler) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	count := 0
	for {
		if err := frame.Read(file, f); err != nil {
			if err == io.EOF {
				return count, nil
			}
			return count, err
		}
		if f.Kind == frame.KindMessage {
			if last, ok := lastSeq[f.ChannelID]; ok && f.ChannelSeq <= last {
				return count, fmt.Errorf("non-monotonic seq %d after %d on channel %d", f.ChannelSeq, last, f.ChannelID)
			}
			lastSeq[f.ChannelID] = f.ChannelSeq
		}
		count++
		if err := fn(f); err != nil {
			return count, err
		}
	}
}
