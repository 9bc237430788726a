// Package config loads the feed handler YAML configuration.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config represents a feedhandler.yaml file.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Feed     FeedConfig     `yaml:"feed"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Buffers  BufferConfig   `yaml:"buffers"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Outbox   OutboxConfig   `yaml:"outbox"`
	Journal  JournalConfig  `yaml:"journal"`
	GRPC     ListenConfig   `yaml:"grpc"`
	HTTP     ListenConfig   `yaml:"http"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// FeedConfig names the channels this process recovers. Each channel is
// reported as "<name>-<id>".
type FeedConfig struct {
	Name     string  `yaml:"name"`
	Channels []int32 `yaml:"channels"`
}

type KafkaConfig struct {
	Brokers         []string `yaml:"brokers"`
	FramesTopic     string   `yaml:"frames_topic"`
	GroupID         string   `yaml:"group_id"`
	RetransmitTopic string   `yaml:"retransmit_topic"`
	// OutputTopic receives released events. Empty disables forwarding.
	OutputTopic string   `yaml:"output_topic"`
	MaxWait     Duration `yaml:"max_wait"`
}

type BufferConfig struct {
	MessageCapacity  int   `yaml:"message_capacity"`
	SnapshotCapacity int   `yaml:"snapshot_capacity"`
	MaxMessageSize   int   `yaml:"max_message_size"`
	SenderCheck      *bool `yaml:"sender_check,omitempty"`
	QueueSize        int   `yaml:"queue_size"`
}

type RecoveryConfig struct {
	// RequestTimeout bounds how long a channel may stay in BUFFERING after
	// its last retransmission request. Zero disables the check.
	RequestTimeout Duration `yaml:"request_timeout"`
}

type OutboxConfig struct {
	Dir        string   `yaml:"dir"`
	Interval   Duration `yaml:"interval"`
	MaxRetries uint32   `yaml:"max_retries"`
	Retention  Duration `yaml:"retention"`
}

type JournalConfig struct {
	Dir             string   `yaml:"dir"`
	SegmentSize     int64    `yaml:"segment_size"`
	SegmentDuration Duration `yaml:"segment_duration"`
	SyncEveryWrite  bool     `yaml:"sync_every_write"`
	RetainSegments  int      `yaml:"retain_segments"`
}

type ListenConfig struct {
	Addr string `yaml:"addr"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// SenderCheckEnabled reports whether frames from an unexpected sender
// are rejected. Defaults to true.
func (b BufferConfig) SenderCheckEnabled() bool {
	return b.SenderCheck == nil || *b.SenderCheck
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Feed.Name == "" {
		c.Feed.Name = "feed"
	}
	if c.Kafka.FramesTopic == "" {
		c.Kafka.FramesTopic = "feed.frames"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "feedhandler"
	}
	if c.Kafka.RetransmitTopic == "" {
		c.Kafka.RetransmitTopic = "feed.retransmit"
	}
	if c.Kafka.MaxWait.Duration == 0 {
		c.Kafka.MaxWait.Duration = 500 * time.Millisecond
	}
	if c.Buffers.MessageCapacity == 0 {
		c.Buffers.MessageCapacity = 4096
	}
	if c.Buffers.SnapshotCapacity == 0 {
		c.Buffers.SnapshotCapacity = 1024
	}
	if c.Buffers.MaxMessageSize == 0 {
		c.Buffers.MaxMessageSize = 512
	}
	if c.Buffers.QueueSize == 0 {
		c.Buffers.QueueSize = 1024
	}
	if c.Outbox.Dir == "" {
		c.Outbox.Dir = "./data/outbox"
	}
	if c.Outbox.Interval.Duration == 0 {
		c.Outbox.Interval.Duration = 250 * time.Millisecond
	}
	if c.Outbox.MaxRetries == 0 {
		c.Outbox.MaxRetries = 3
	}
	if c.Outbox.Retention.Duration == 0 {
		c.Outbox.Retention.Duration = time.Hour
	}
	if c.Journal.Dir == "" {
		c.Journal.Dir = "./data/journal"
	}
	if c.Journal.SegmentSize == 0 {
		c.Journal.SegmentSize = 64 << 20
	}
	if c.Journal.SegmentDuration.Duration == 0 {
		c.Journal.SegmentDuration.Duration = time.Hour
	}
	if c.GRPC.Addr == "" {
		c.GRPC.Addr = ":50051"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers: at least one broker is required"))
	}
	if len(c.Feed.Channels) == 0 {
		errs = append(errs, errors.New("feed.channels: at least one channel is required"))
	}
	seen := make(map[int32]struct{}, len(c.Feed.Channels))
	for _, id := range c.Feed.Channels {
		if _, dup := seen[id]; dup {
			errs = append(errs, fmt.Errorf("feed.channels: duplicate channel %d", id))
		}
		seen[id] = struct{}{}
	}
	if c.Buffers.MessageCapacity < 0 || c.Buffers.SnapshotCapacity < 0 {
		errs = append(errs, errors.New("buffers: capacities must be positive"))
	}
	if c.Buffers.MaxMessageSize < 0 {
		errs = append(errs, errors.New("buffers.max_message_size: must be positive"))
	}
	if c.Journal.RetainSegments < 0 {
		errs = append(errs, errors.New("journal.retain_segments: must not be negative"))
	}
	for _, d := range []struct {
		name string
		d    Duration
	}{
		{"kafka.max_wait", c.Kafka.MaxWait},
		{"recovery.request_timeout", c.Recovery.RequestTimeout},
		{"outbox.interval", c.Outbox.Interval},
		{"outbox.retention", c.Outbox.Retention},
		{"journal.segment_duration", c.Journal.SegmentDuration},
	} {
		if d.d.Duration < 0 {
			errs = append(errs, fmt.Errorf("%s: must not be negative, got %s", d.name, d.d.Duration))
		}
	}
	return errors.Join(errs...)
}
