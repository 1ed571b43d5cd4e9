package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	for _, name := range []string{"aggressive", "moderate", "conservative"} {
		mode, err := ParseMode(name)
		require.NoError(t, err)
		assert.Equal(t, Mode(name), mode)
	}

	_, err := ParseMode("yolo")
	assert.Error(t, err)
}

func TestModeTable(t *testing.T) {
	agg := ThresholdsFor(ModeAggressive)
	con := ThresholdsFor(ModeConservative)

	// Aggressive arms earlier and trails tighter than conservative.
	assert.Less(t, agg.ActivationThreshold, con.ActivationThreshold)
	assert.Less(t, agg.MaxTrail, con.MaxTrail)
	assert.Less(t, agg.TimeDecayFactor, con.TimeDecayFactor)
}

func TestDefault_IsValid(t *testing.T) {
	for _, mode := range []Mode{ModeAggressive, ModeModerate, ModeConservative} {
		cfg := Default(mode)
		assert.NoError(t, cfg.Validate(), "mode %s", mode)
		assert.Equal(t, ThresholdsFor(mode), cfg.Thresholds)
	}
}

func TestLoad_MissingPathKeepsDefaults(t *testing.T) {
	cfg, err := Load("", ModeModerate)
	require.NoError(t, err)
	assert.Equal(t, Default(ModeModerate), cfg)
}

func TestLoad_FileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profittaker.yaml")
	data := []byte(`
poll_interval: 30s
eod_min_gain: 0.02
thresholds:
  activation_threshold: 0.04
  min_trail: 0.015
  max_trail: 0.04
  volatility_multiplier: 2.0
  time_decay_factor: 0.8
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path, ModeModerate)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, 0.02, cfg.EODMinGain)
	assert.Equal(t, 0.04, cfg.Thresholds.ActivationThreshold)
	// Untouched fields keep defaults.
	assert.Equal(t, 60*time.Second, cfg.HeartbeatInterval)
}

func TestLoad_InvalidFileRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("poll_interval: 1s\n"), 0o644))

	_, err := Load(path, ModeModerate)
	assert.ErrorContains(t, err, "poll_interval")
}

func TestOverrideActivation(t *testing.T) {
	cfg := Default(ModeConservative)
	require.NoError(t, cfg.OverrideActivation(3.0))
	assert.InDelta(t, 0.03, cfg.Thresholds.ActivationThreshold, 1e-9)

	assert.Error(t, cfg.OverrideActivation(-1))
}

func TestValidate_TrailBounds(t *testing.T) {
	cfg := Default(ModeModerate)
	cfg.Thresholds.MinTrail = 0.05
	cfg.Thresholds.MaxTrail = 0.02
	assert.ErrorContains(t, cfg.Validate(), "min_trail")
}
