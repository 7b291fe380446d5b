package log

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"":        LevelInfo,
		"warning": LevelWarn,
		" error ": LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestLogger_Level(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = LevelWarn
	cfg.Output = []string{filepath.Join(t.TempDir(), "out.log")}
	logger, err := NewWithConfig(cfg)
	require.NoError(t, err)

	require.Equal(t, LevelWarn, logger.GetLevel())
	child := logger.With(String("component", "test"))
	logger.SetLevel(LevelDebug)
	require.Equal(t, LevelDebug, child.GetLevel(), "children share the level")
}

func TestLogger_Fields(t *testing.T) {
	logger := NewNop()
	require.NotPanics(t, func() {
		logger.Info("fields",
			Any("any", struct{}{}),
			Bool("bool", true),
			Duration("duration", time.Second),
			Int("int", 1),
			Int32("i32", 1),
			String("string", "s"),
			Uint64("u64", 1),
			Uint16("u16", 1),
			Uint8("u8", 1),
			Error(errors.New("boom")),
		)
	})
	require.NotNil(t, Provide())
}
