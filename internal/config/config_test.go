package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("city-hall")
	require.NoError(t, cfg.Validate())
	require.Equal(t, "city-hall", cfg.Owner)
	require.Equal(t, 48*time.Hour, cfg.Tender.SubmissionWindow)
	require.Equal(t, 24*time.Hour, cfg.Tender.RevealWindow)
	require.Equal(t, 2, cfg.Tender.Milestones)
	require.Equal(t, 12*time.Second, cfg.Clock.TickInterval)
	require.Equal(t, "/v0", cfg.Server.BasePath)
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte("owner: ministry\ntender:\n  milestones: 3\n"))
	require.NoError(t, err)
	require.Equal(t, "ministry", cfg.Owner)
	require.Equal(t, 3, cfg.Tender.Milestones)
	require.Equal(t, 48*time.Hour, cfg.Tender.SubmissionWindow)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"missing owner":   "tender:\n  milestones: 2\n",
		"zero milestones": "owner: o\ntender:\n  milestones: 0\n",
		"negative window": "owner: o\ntender:\n  reveal_window: -1h\n",
		"zero tick":       "owner: o\nclock:\n  tick_interval: 0s\n",
		"bad base path":   "owner: o\nserver:\n  base_path: v0\n",
		"webhook no url":  "owner: o\nwebhooks:\n  - events: [tender.created]\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoadOptionalFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir, "owner-a")
	require.NoError(t, err)
	require.Equal(t, "owner-a", cfg.Owner)

	_, err = Load(dir)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "tenderline.yml"), []byte(GenerateDefault("owner-b")), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	require.Equal(t, "owner-b", cfg.Owner)
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Default("owner-c")
	cfg.Tender.RevealWindow = 90 * time.Minute
	data, err := cfg.Marshal()
	require.NoError(t, err)
	back, err := FromYAML(data)
	require.NoError(t, err)
	require.Equal(t, cfg, back)
}
