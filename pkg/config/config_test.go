package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const baseYAML = `
retrieval:
  topKFiltered: 20
  keepFraction: 0.5
window:
  size: 2
  maxSize: 4
llm:
  defaultServingModel: balanced
  servingModels:
    balanced:
      modelID: gpt-4o-mini
      displayName: Balanced
      maxTokens: 900
      contextWindow: 128000
    premium:
      modelID: gpt-4o
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestNewStoreAppliesFileAndDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), baseYAML)

	store, err := NewStore(path, zaptest.NewLogger(t))
	require.NoError(t, err)

	snap := store.Current()
	require.NotNil(t, snap)
	assert.Equal(t, uint64(1), snap.Version)
	assert.Equal(t, 20, snap.Config.Retrieval.TopKFiltered)
	assert.Equal(t, 30, snap.Config.Retrieval.TopKGlobal)
	assert.InDelta(t, 0.5, snap.Config.Retrieval.KeepFraction, 1e-9)
	assert.Equal(t, 2, snap.Config.Window.Size)
	assert.Equal(t, "file", snap.Config.Registry.Backend)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), baseYAML)
	t.Setenv("FINRAG_RETRIEVAL_TOPKGLOBAL", "12")

	store, err := NewStore(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 12, store.Current().Config.Retrieval.TopKGlobal)
}

func TestReloadSwapsVersionAndKeepsOldSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, baseYAML)

	store, err := NewStore(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	first := store.Current()

	var seen []uint64
	store.OnSwap(func(s *Snapshot) { seen = append(seen, s.Version) })

	writeConfig(t, dir, baseYAML+"\nvariants:\n  count: 2\n")
	second, err := store.Reload()
	require.NoError(t, err)

	assert.Equal(t, uint64(2), second.Version)
	assert.Equal(t, 2, second.Config.Variants.Count)
	assert.Equal(t, 3, first.Config.Variants.Count, "held snapshot must not change")
	assert.Equal(t, []uint64{2}, seen)
}

func TestInvalidReloadIsRejected(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, baseYAML)

	store, err := NewStore(path, zaptest.NewLogger(t))
	require.NoError(t, err)

	writeConfig(t, dir, strings.Replace(baseYAML, "size: 2", "size: 9", 1))
	_, err = store.Reload()
	require.Error(t, err)
	assert.Equal(t, uint64(1), store.Current().Version)
	assert.Equal(t, 2, store.Current().Config.Window.Size)
}

func TestServingModelResolution(t *testing.T) {
	path := writeConfig(t, t.TempDir(), baseYAML)
	store, err := NewStore(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	llm := store.Current().Config.LLM

	def, err := llm.ServingModel("")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", def.ModelID)
	assert.Equal(t, 900, def.MaxTokens)

	premium, err := llm.ServingModel("premium")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", premium.ModelID)
	assert.Equal(t, llm.MaxTokens, premium.MaxTokens)

	_, err = llm.ServingModel("missing")
	assert.ErrorIs(t, err, ErrUnknownServingModel)
}

func TestPricingDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), baseYAML)
	store, err := NewStore(path, zaptest.NewLogger(t))
	require.NoError(t, err)

	p, ok := store.Current().Config.LLM.Price("gpt-4o")
	require.True(t, ok)
	assert.InDelta(t, 0.0025, p.InputPer1K, 1e-12)
}

func TestStaticStore(t *testing.T) {
	store := NewStaticStore(Config{Registry: RegistryConfig{Backend: "file"}})
	assert.Equal(t, uint64(1), store.Current().Version)
	assert.Error(t, store.Watch())
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30, cfg.Retrieval.TopKFiltered)
	assert.Equal(t, 0.6, cfg.Retrieval.KeepFraction)
	assert.Equal(t, 3, cfg.Window.Size)
	assert.Equal(t, "file", cfg.Registry.Backend)
}
