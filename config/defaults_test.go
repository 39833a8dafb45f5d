package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"30s": 30 * time.Second,
		"5m":  5 * time.Minute,
		"2h":  2 * time.Hour,
		"1d":  24 * time.Hour,
		"500ms": 500 * time.Millisecond,
		"90":  90 * time.Second,
	}
	for in, want := range cases {
		got, err := parseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestParseDuration_Invalid(t *testing.T) {
	_, err := parseDuration("")
	assert.Error(t, err)
	_, err = parseDuration("not-a-duration")
	assert.Error(t, err)
}

func TestParseSize(t *testing.T) {
	cases := map[string]int64{
		"100":   100,
		"100B":  100,
		"1K":    1024,
		"1KB":   1024,
		"2M":    2 * 1024 * 1024,
		"2MB":   2 * 1024 * 1024,
		"1G":    1024 * 1024 * 1024,
		"1GB":   1024 * 1024 * 1024,
	}
	for in, want := range cases {
		got, err := parseSize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestParseSize_Invalid(t *testing.T) {
	_, err := parseSize("")
	assert.Error(t, err)
	_, err = parseSize("abcMB")
	assert.Error(t, err)
}

func TestClampBatchInterval(t *testing.T) {
	assert.Equal(t, time.Second, ClampBatchInterval(100*time.Millisecond))
	assert.Equal(t, time.Hour, ClampBatchInterval(2*time.Hour))
	assert.Equal(t, 30*time.Second, ClampBatchInterval(30*time.Second))
}

func TestClampBatchSize(t *testing.T) {
	assert.Equal(t, 1000, ClampBatchSize(10))
	assert.Equal(t, 1_000_000, ClampBatchSize(5_000_000))
	assert.Equal(t, 50_000, ClampBatchSize(50_000))
}

func TestDefaultConfig_QueueBudgets(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "embedded", cfg.Queue.Backend)
	assert.Greater(t, cfg.Queue.MaxCountStateful, 0)
	assert.Greater(t, cfg.Queue.MaxBytesStateful.Int64(), int64(0))
}
