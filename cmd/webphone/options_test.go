package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/webphone/pkg/config"
	"github.com/arzzra/webphone/pkg/settings"
)

func newOptionsApp(t *testing.T) (*app, *settings.FileStore) {
	t.Helper()
	cfg := config.Default()
	cfg.Settings.Backend = config.SettingsFile
	cfg.Settings.Path = filepath.Join(t.TempDir(), "settings.json")
	return &app{cfg: cfg}, settings.NewFileStore(cfg.Settings.Path)
}

func TestOptionsClearKeepsIncomingCalls(t *testing.T) {
	ctx := context.Background()
	a, st := newOptionsApp(t)
	require.NoError(t, st.Save(ctx, settings.Settings{JWT: "h.p.s", IncomingCalls: true}))

	require.NoError(t, a.runOptions(ctx, []string{"-clear"}))

	s, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, settings.Settings{IncomingCalls: true}, s)
}

func TestOptionsSaveJWTAndIncoming(t *testing.T) {
	ctx := context.Background()
	a, st := newOptionsApp(t)

	require.NoError(t, a.runOptions(ctx, []string{"-jwt", " h.p.s ", "-incoming", "true"}))

	s, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, settings.Settings{JWT: "h.p.s", IncomingCalls: true}, s)

	require.Error(t, a.runOptions(ctx, []string{"-incoming", "maybe"}))
}
