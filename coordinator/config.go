// Package coordinator wires the memory tier, disk tier, snapshot
// registry, Y-merge engine, evict engine, and working-set cache into a
// composable key-value storage engine: the tier coordinator.
package coordinator

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aalhour/tierkv/disktier"
	"github.com/aalhour/tierkv/internal/compression"
)

// Mode names one of the four tier configurations.
type Mode string

const (
	ModeMemory        Mode = "memory"
	ModeBackup        Mode = "backup"
	ModeRandomDGM     Mode = "random-dgm"
	ModeWorkingSetDGM Mode = "working-set-dgm"
)

// Configuration is the full tunable surface of a coordinator instance.
// Parsed the way an options-file parser typically works: plain key=value
// lines, manual bufio scanning, no reflection-based config library -
// matched here deliberately rather than reached for a third-party
// flag/config parser, since this is a small line-oriented settings file.
type Configuration struct {
	Mode        Mode
	Delta       bool // true = delta retention mode, false = non-delta mode
	Compression compression.Type

	MemHighWaterBytes    int64
	FlushTime            time.Duration
	BackpressureDeadline time.Duration

	MaxLevels           int
	L0CompactionTrigger int
	BaseLevelBytes      int64
	LevelSizeMultiplier float64
	IncrementalStep     int

	WorkingSetCacheSize int
	MFUThresholdMillis  int64
}

// DefaultConfiguration returns the configuration used when no options file
// is supplied.
func DefaultConfiguration() Configuration {
	return Configuration{
		Mode:                 ModeMemory,
		Delta:                true,
		Compression:          compression.SnappyType,
		MemHighWaterBytes:    64 << 20,
		FlushTime:            30 * time.Second,
		BackpressureDeadline: time.Minute,
		MaxLevels:            disktier.MaxNumLevels,
		L0CompactionTrigger:  4,
		BaseLevelBytes:       64 << 20,
		LevelSizeMultiplier:  10.0,
		IncrementalStep:      4,
		WorkingSetCacheSize:  10_000,
		MFUThresholdMillis:   500,
	}
}

// ParseConfiguration reads key=value lines (blank lines and '#' comments
// ignored), mirroring a typical options-file scanning loop.
func ParseConfiguration(r io.Reader) (Configuration, error) {
	cfg := DefaultConfiguration()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return cfg, fmt.Errorf("coordinator: malformed option line %q", line)
		}
		key, val := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		if err := cfg.applyOption(key, val); err != nil {
			return cfg, err
		}
	}
	if err := scanner.Err(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (cfg *Configuration) applyOption(key, val string) error {
	switch key {
	case "mode":
		cfg.Mode = Mode(val)
	case "delta":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("coordinator: option %q: %w", key, err)
		}
		cfg.Delta = b
	case "compression":
		switch val {
		case "none":
			cfg.Compression = compression.NoCompression
		case "snappy":
			cfg.Compression = compression.SnappyType
		case "lz4":
			cfg.Compression = compression.LZ4Type
		case "zstd":
			cfg.Compression = compression.ZstdType
		default:
			return fmt.Errorf("coordinator: unknown compression %q", val)
		}
	case "mem_high_water_bytes":
		return cfg.setInt64(key, val, &cfg.MemHighWaterBytes)
	case "flush_time_seconds":
		secs, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("coordinator: option %q: %w", key, err)
		}
		cfg.FlushTime = time.Duration(secs) * time.Second
	case "backpressure_deadline_seconds":
		secs, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("coordinator: option %q: %w", key, err)
		}
		cfg.BackpressureDeadline = time.Duration(secs) * time.Second
	case "max_levels":
		return cfg.setInt(key, val, &cfg.MaxLevels)
	case "l0_compaction_trigger":
		return cfg.setInt(key, val, &cfg.L0CompactionTrigger)
	case "base_level_bytes":
		return cfg.setInt64(key, val, &cfg.BaseLevelBytes)
	case "level_size_multiplier":
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("coordinator: option %q: %w", key, err)
		}
		cfg.LevelSizeMultiplier = f
	case "incremental_step":
		return cfg.setInt(key, val, &cfg.IncrementalStep)
	case "working_set_cache_size":
		return cfg.setInt(key, val, &cfg.WorkingSetCacheSize)
	case "mfu_threshold_millis":
		return cfg.setInt64(key, val, &cfg.MFUThresholdMillis)
	default:
		return fmt.Errorf("coordinator: unknown option %q", key)
	}
	return nil
}

func (cfg *Configuration) setInt(key, val string, dst *int) error {
	n, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("coordinator: option %q: %w", key, err)
	}
	*dst = n
	return nil
}

func (cfg *Configuration) setInt64(key, val string, dst *int64) error {
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return fmt.Errorf("coordinator: option %q: %w", key, err)
	}
	*dst = n
	return nil
}

// Validate checks the invariants placed on level count.
func (cfg Configuration) Validate() error {
	if cfg.MaxLevels <= 0 || cfg.MaxLevels > disktier.MaxNumLevels {
		return fmt.Errorf("coordinator: max_levels must be in [1, %d], got %d", disktier.MaxNumLevels, cfg.MaxLevels)
	}
	return nil
}
