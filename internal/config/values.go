package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// ByteSize accepts plain byte counts or human units ("64KiB", "1 GB").
type ByteSize int64

func ParseByteSize(value string) (ByteSize, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("empty size")
	}
	parsed, err := humanize.ParseBytes(trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", value, err)
	}
	if parsed > math.MaxInt64 {
		return 0, fmt.Errorf("size %q out of range", value)
	}
	return ByteSize(parsed), nil
}

func (b ByteSize) Int64() int64 { return int64(b) }

func (b ByteSize) String() string {
	if b < 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(b))
}

// Set implements flag.Value.
func (b *ByteSize) Set(value string) error {
	parsed, err := ParseByteSize(value)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", node.Line)
	}
	if err := b.Set(node.Value); err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	return nil
}

// Duration accepts Go duration strings ("90s", "2m30s").
type Duration time.Duration

func ParseDuration(value string) (Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, err
	}
	if parsed < 0 {
		return 0, fmt.Errorf("negative duration %q", value)
	}
	return Duration(parsed), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }
func (d Duration) String() string     { return time.Duration(d).String() }

func (d *Duration) Set(value string) error {
	parsed, err := ParseDuration(value)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	if err := d.Set(node.Value); err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	return nil
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
