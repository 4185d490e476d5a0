package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvOverrides(t *testing.T) {
	t.Run("engine settings", func(t *testing.T) {
		t.Setenv("TASKWEAVE_MAX_ATTEMPTS", "7")
		t.Setenv("TASKWEAVE_MAX_CONCURRENT", "16")
		t.Setenv("TASKWEAVE_CANCEL_GRACE", "30s")

		cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)

		assert.Equal(t, 7, cfg.Engine.MaxAttempts)
		assert.Equal(t, 16, cfg.Engine.MaxConcurrent)
		assert.Equal(t, 30*time.Second, cfg.GetCancelGrace())
	})

	t.Run("gate settings", func(t *testing.T) {
		t.Setenv("TASKWEAVE_MEDIUM_WAIT", "90s")
		t.Setenv("TASKWEAVE_NON_INTERACTIVE", "true")

		cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)

		assert.Equal(t, 90*time.Second, cfg.GetMediumWait())
		assert.True(t, cfg.Gate.NonInteractive)
	})

	t.Run("executor command", func(t *testing.T) {
		t.Setenv("TASKWEAVE_EXECUTOR", "my-runner")

		cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)

		assert.Equal(t, "my-runner", cfg.Executor.Command)
	})

	t.Run("env wins over file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		cfg := DefaultConfig()
		cfg.Engine.MaxAttempts = 3
		require.NoError(t, cfg.Save(path))

		t.Setenv("TASKWEAVE_MAX_ATTEMPTS", "9")
		loaded, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, 9, loaded.Engine.MaxAttempts)
	})

	t.Run("garbage values ignored", func(t *testing.T) {
		t.Setenv("TASKWEAVE_MAX_ATTEMPTS", "banana")
		t.Setenv("TASKWEAVE_MAX_CONCURRENT", "-3")
		t.Setenv("TASKWEAVE_MEDIUM_WAIT", "soon")

		cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)

		def := DefaultConfig()
		assert.Equal(t, def.Engine.MaxAttempts, cfg.Engine.MaxAttempts)
		assert.Equal(t, def.Engine.MaxConcurrent, cfg.Engine.MaxConcurrent)
		assert.Equal(t, def.GetMediumWait(), cfg.GetMediumWait())
	})
}
