package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from either a bare number
// (seconds) or a suffixed string (ms|s|m|h|d), per spec's config time
// value convention.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := parseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}

	var n float64
	if err := value.Decode(&n); err != nil {
		return err
	}
	*d = Duration(time.Duration(n * float64(time.Second)))
	return nil
}

// Dur returns the underlying time.Duration.
func (d Duration) Dur() time.Duration { return time.Duration(d) }

// ByteSize is a byte count that unmarshals from either a bare number
// (bytes) or a suffixed string (B|K[B]|M[B]|G[B]), per spec's config
// size value convention.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := parseSize(s)
		if err != nil {
			return err
		}
		*b = ByteSize(parsed)
		return nil
	}

	var n int64
	if err := value.Decode(&n); err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

// Int returns the byte count as an int.
func (b ByteSize) Int() int { return int(b) }

// Int64 returns the byte count as an int64.
func (b ByteSize) Int64() int64 { return int64(b) }
