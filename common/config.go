package common

import (
	"fmt"
	"strings"
	"time"
)

// ConfigValue is one entry in a Config map: a flat, dotted-key configuration
// namespace rather than nested structs, so that individual keys can be
// hot-reloaded.
type ConfigValue struct {
	Value interface{}
	Help  string
}

// Config is a flat, dotted-namespace settings map, e.g.
// "IndexingSystem.IndexUpdateParallelism". Sub-sections are extracted with
// SectionConfig.
type Config map[string]ConfigValue

// DateBin is the date-time partition scheme's bin granularity.
type DateBin int

const (
	BinYear DateBin = iota
	BinMonth
)

func (b DateBin) String() string {
	if b == BinMonth {
		return "Month"
	}
	return "Year"
}

// SystemDefaults returns the IndexingSystem root section with every knob at
// its default.
func SystemDefaults() Config {
	return Config{
		"IndexingSystem.DefaultMaxHashIndexPartitions":    {Value: uint32(0), Help: "0 => per-key partitioning"},
		"IndexingSystem.DefaultDateTimePartitionBin":      {Value: BinYear, Help: "Year or Month"},
		"IndexingSystem.IndexingQueueStorageProviderName": {Value: "memory", Help: "storage provider name for queue persistence"},
		"IndexingSystem.IndexUpdateParallelism":           {Value: uint32(10), Help: "fan-out cap for applying updates"},
		"IndexingSystem.IndexingQueueInputBufferSize":     {Value: uint32(10), Help: "buffered channel depth feeding the queue processor"},
		"IndexingSystem.IndexingQueueOutputBufferSize":    {Value: uint32(10), Help: "batch size threshold"},
		"IndexingSystem.IndexingQueueOutputBufferTimeOut": {Value: 100 * time.Millisecond, Help: "batch time threshold"},
		"IndexingSystem.EnqueueParallelism":               {Value: uint32(10), Help: "fan-out cap for enqueueing an action across interfaces"},
		"IndexingSystem.MaxFanOutParallelism":             {Value: uint32(10), Help: "hard cap; exceeding this at any call site is a configuration error"},
		"IndexingSystem.StorageRetryBaseDelay":            {Value: 50 * time.Millisecond, Help: "base delay for the storage bridge's optimistic-concurrency retry"},
		"IndexingSystem.BucketMailboxBuffer":              {Value: uint32(64), Help: "buffered channel depth for a bucket actor's command mailbox"},
		"IndexingSystem.ControllerMailboxBuffer":          {Value: uint32(16), Help: "buffered channel depth for a controller's command mailbox"},
	}
}

// SectionConfig returns the subset of keys with the given prefix, optionally
// trimming it off the returned keys.
func (c Config) SectionConfig(prefix string, trim bool) Config {
	out := make(Config)
	for k, v := range c {
		if strings.HasPrefix(k, prefix) {
			nk := k
			if trim {
				nk = strings.TrimPrefix(k, prefix)
			}
			out[nk] = v
		}
	}
	return out
}

func (c Config) Uint32(key string) uint32 {
	v, ok := c[key]
	if !ok {
		return 0
	}
	n, _ := v.Value.(uint32)
	return n
}

func (c Config) Duration(key string) time.Duration {
	v, ok := c[key]
	if !ok {
		return 0
	}
	d, _ := v.Value.(time.Duration)
	return d
}

func (c Config) String(key string) string {
	v, ok := c[key]
	if !ok {
		return ""
	}
	s, _ := v.Value.(string)
	return s
}

func (c Config) DateBin(key string) DateBin {
	v, ok := c[key]
	if !ok {
		return BinYear
	}
	b, _ := v.Value.(DateBin)
	return b
}

// Clone returns a shallow copy; callers mutate the copy on a
// dynamic-settings update and swap it in whole.
func (c Config) Clone() Config {
	out := make(Config, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// SetValue overrides one key, validating parallelism caps eagerly:
// exceeding the configured cap is a configuration error, never silently
// relaxed.
func (c Config) SetValue(key string, val interface{}) error {
	if strings.Contains(key, "Parallelism") {
		if n, ok := val.(uint32); ok {
			cap := c.Uint32("IndexingSystem.MaxFanOutParallelism")
			if cap == 0 {
				cap = 10
			}
			if n > cap {
				return fmt.Errorf("%s=%d exceeds configured parallelism cap %d", key, n, cap)
			}
		}
	}
	cv := c[key]
	cv.Value = val
	c[key] = cv
	return nil
}
