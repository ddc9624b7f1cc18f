package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/engagement-engine/catalog"
	"github.com/warp/engagement-engine/config"
	"github.com/warp/engagement-engine/engagement"
)

func TestLoadCatalog_DefaultAddsMonthlyChallenge(t *testing.T) {
	// GIVEN: No catalog path and a clock in February 2028
	now := time.Date(2028, time.February, 14, 9, 0, 0, 0, time.UTC)

	// WHEN: Loading the catalog
	cat, err := loadCatalog(config.CatalogConfig{}, now)
	require.NoError(t, err)

	// THEN: The built-in achievements plus one challenge for the month
	assert.Len(t, cat.Achievements(), len(catalog.DefaultDocument().Achievements))
	ch, ok := cat.Challenge("wellness-2028-02")
	require.True(t, ok)
	assert.Len(t, ch.Tasks, 4)
	assert.True(t, ch.IsActive(now))
	assert.Len(t, engagement.ActiveChallenges(cat, now), 1)
}

func TestLoadCatalog_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, catalog.DefaultJSON(), 0o644))

	cat, err := loadCatalog(config.CatalogConfig{Path: path}, time.Now())

	require.NoError(t, err)
	assert.Empty(t, cat.Challenges())
}

func TestNewLogger(t *testing.T) {
	logger, err := newLogger(config.LoggingConfig{Level: "warn", Format: "json"})
	require.NoError(t, err)
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelWarn))

	_, err = newLogger(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestNewRuntime_MemoryStore(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Logging.Level = "error"

	rt, err := newRuntime(cfg)
	require.NoError(t, err)
	defer rt.close()

	// Events flow through the configured engine and reach the recorder
	_, err = rt.engine.SubmitEvent(context.Background(), engagement.Event{
		PatientID:      "p1",
		Type:           engagement.EventSessionCompleted,
		IdempotencyKey: "k1",
	})
	require.NoError(t, err)

	families, err := rt.recorder.Registry().Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "engagement_events_processed_total")
	assert.NotNil(t, rt.runs)
	assert.NotNil(t, rt.resetter)
}

func TestCatalogValidateCommand(t *testing.T) {
	good := filepath.Join(t.TempDir(), "good.json")
	require.NoError(t, os.WriteFile(good, catalog.DefaultJSON(), 0o644))
	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"achievements":[{"id":""}]}`), 0o644))

	root := newRootCmd()
	root.SetArgs([]string{"catalog", "validate", good})
	assert.NoError(t, root.Execute())

	root = newRootCmd()
	root.SetArgs([]string{"catalog", "validate", bad})
	assert.ErrorIs(t, root.Execute(), catalog.ErrInvalidCatalog)
}
