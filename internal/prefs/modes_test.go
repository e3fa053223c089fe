package prefs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/tmuxgram/internal/config"
	"github.com/g960059/tmuxgram/internal/model"
	"github.com/g960059/tmuxgram/internal/testutil"
)

func TestModeResolutionOrder(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	cfg := config.DefaultConfig()
	cfg.OutputMode = model.OutputModeImage
	cfg.OutputModeByChat[2] = model.OutputModeText

	modes, err := Load(ctx, cfg, store, nil)
	require.NoError(t, err)
	assert.Equal(t, model.OutputModeImage, modes.Mode(1), "global default")
	assert.Equal(t, model.OutputModeText, modes.Mode(2), "config per-chat")

	require.NoError(t, modes.Set(ctx, 2, model.OutputModeImage))
	assert.Equal(t, model.OutputModeImage, modes.Mode(2), "override wins")

	require.NoError(t, modes.Clear(ctx, 2))
	assert.Equal(t, model.OutputModeText, modes.Mode(2))
	_, ok := modes.Override(2)
	assert.False(t, ok)
}

func TestOverridesSurviveReload(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	cfg := config.DefaultConfig()

	first, err := Load(ctx, cfg, store, nil)
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, 5, model.OutputModeImage))

	second, err := Load(ctx, cfg, store, nil)
	require.NoError(t, err)
	assert.Equal(t, model.OutputModeImage, second.Mode(5))
	assert.Equal(t, model.OutputModeText, second.Mode(6))
}

type failingStore struct{}

func (failingStore) SetOutputMode(context.Context, model.ChatID, model.OutputMode) error {
	return errors.New("disk full")
}
func (failingStore) ClearOutputMode(context.Context, model.ChatID) error { return nil }
func (failingStore) ListOutputModes(context.Context) (map[model.ChatID]model.OutputMode, error) {
	return nil, nil
}

func TestSetFailureKeepsPreviousMode(t *testing.T) {
	modes, err := Load(context.Background(), config.DefaultConfig(), failingStore{}, nil)
	require.NoError(t, err)

	require.Error(t, modes.Set(context.Background(), 1, model.OutputModeImage))
	assert.Equal(t, model.OutputModeText, modes.Mode(1))
}

func TestMemoryOnly(t *testing.T) {
	modes, err := Load(context.Background(), config.DefaultConfig(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, modes.Set(context.Background(), 1, model.OutputModeImage))
	assert.Equal(t, model.OutputModeImage, modes.Mode(1))
}
