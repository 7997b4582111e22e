package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// runCLI executes the root command with args and returns its stdout.
// Global compute state touched by the command is restored afterwards.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	restore := UseBackend(ActiveBackend())
	compute := GetGlobalComputeConfig()
	t.Cleanup(func() {
		restore()
		SetGlobalComputeConfig(compute)
	})

	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))

	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestRunCommand(t *testing.T) {
	out, err := runCLI(t, "run")
	require.NoError(t, err)

	assert.Contains(t, out, "Step 1: Text encoder")
	assert.Contains(t, out, "[CLS] the cat sat [SEP] on the mat [SEP]")
	assert.Contains(t, out, "[CLS] hello world [SEP] [PAD]")
	assert.Contains(t, out, "last hidden state: 9x64")
	assert.Contains(t, out, "pooled output:     2x64")
	assert.Contains(t, out, "Step 2: Image encoder")
	assert.Contains(t, out, "image:             3x32x32")
	assert.Contains(t, out, "last hidden state: 17x64")
	assert.Contains(t, out, "logits:            2x10")
}

func TestRunCommandReproducible(t *testing.T) {
	first, err := runCLI(t, "run", "--training", "--seed", "7")
	require.NoError(t, err)
	second, err := runCLI(t, "run", "--training", "--seed", "7")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := runCLI(t, "run", "--training", "--seed", "8")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestRunCommandHalfPrecision(t *testing.T) {
	t.Setenv("MINIBERT_COMPUTE_PRECISION", "half")
	out, err := runCLI(t, "run")
	require.NoError(t, err)

	assert.Contains(t, out, "last hidden state: 9x64")
	assert.Contains(t, out, "pooled output:     2x64")
	assert.Contains(t, out, "logits:            2x10")
}

func TestBuildModelsHalfPrecision(t *testing.T) {
	cfg := DefaultAppConfig()
	cfg.Compute.Precision = PrecisionHalf
	state := &cliState{cfg: &cfg, logger: zap.NewNop()}

	bert, err := state.buildBert(state.logger)
	require.NoError(t, err)
	vit, err := state.buildViT(state.logger)
	require.NoError(t, err)

	for _, p := range append(bert.Parameters(), vit.Parameters()...) {
		assert.Zero(t, HalfError(p.Tensor), p.Name)
	}

	cfg.Compute.Precision = PrecisionFull
	full, err := state.buildBert(state.logger)
	require.NoError(t, err)
	assert.Positive(t, HalfError(full.Parameters()[0].Tensor))
}

func TestInspectCommand(t *testing.T) {
	out, err := runCLI(t, "inspect", "--model", "bert")
	require.NoError(t, err)

	assert.Contains(t, out, "BERT (2 layers, hidden 64, vocab 1000)")
	assert.Contains(t, out, "embeddings.word_embeddings.weight")
	assert.Contains(t, out, "1000x64")
	assert.Contains(t, out, "pooler.dense.weight")
	assert.Contains(t, out, "TOTAL")
	assert.NotContains(t, out, "ViT")
	assert.NotContains(t, out, "FP16")

	out, err = runCLI(t, "inspect", "--model", "vit", "--half")
	require.NoError(t, err)
	assert.Contains(t, out, "embeddings.patch_embeddings.projection.weight")
	assert.Contains(t, out, "FP16 MAX ERR")
	assert.Contains(t, out, "fp16")

	_, err = runCLI(t, "inspect", "--model", "gpt")
	assert.Error(t, err)
}

func TestVisualizeCommand(t *testing.T) {
	out, err := runCLI(t, "visualize", "--sample", "1", "--layer", "1")
	require.NoError(t, err)

	assert.Contains(t, out, "layer 1, head 0")
	assert.Contains(t, out, "layer 1, head 3")
	assert.NotContains(t, out, "layer 0,")
	assert.Contains(t, out, "[PAD] |")

	_, err = runCLI(t, "visualize", "--sample", "2")
	assert.Error(t, err)
	_, err = runCLI(t, "visualize", "--layer", "5")
	assert.Error(t, err)
}

func TestVisualizeCommandHTML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "attention.html")
	out, err := runCLI(t, "visualize", "--output", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	page, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(page), "<h2>Layer 0</h2>")
	assert.Contains(t, string(page), "<h2>Layer 1</h2>")
}

func TestEmbeddingsCommand(t *testing.T) {
	out, err := runCLI(t, "embeddings")
	require.NoError(t, err)

	assert.Contains(t, out, "PC1")
	assert.Contains(t, out, "PC2")
	assert.Contains(t, out, "cat")
	assert.Contains(t, out, "hello")
	assert.NotContains(t, out, "[PAD]")
	assert.Contains(t, out, "Total:")

	_, err = runCLI(t, "embeddings", "--components", "0")
	assert.ErrorIs(t, err, ErrInvalidShape)
}

func TestCollectRealTokens(t *testing.T) {
	cfg := TinyBERTConfig()
	batch := DummyTextBatch(cfg)
	hidden := []*Tensor{NewTensor(9, 4), NewTensor(9, 4)}
	hidden[1].Set(5, 3, 0)

	points, tokens := collectRealTokens(cfg, batch, hidden)
	require.Len(t, tokens, 9+4)
	assert.Equal(t, []int{13, 4}, points.Shape())
	assert.Equal(t, tokenRef{Sequence: 1, Position: 3, Label: "[SEP]"}, tokens[12])
	assert.Equal(t, 5.0, points.At(12, 0))
}

func TestBenchmarkCommand(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	path := filepath.Join(t.TempDir(), "bench.json")
	out, err := runCLI(t, "benchmark", "--iterations", "1", "--warmup", "0",
		"--backends", "naive,gonum", "--json", path)
	require.NoError(t, err)

	assert.Contains(t, out, "BACKEND")
	assert.Contains(t, out, "tiled")
	assert.Contains(t, out, "Results saved to")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var suite BenchmarkSuite
	require.NoError(t, json.Unmarshal(data, &suite))
	assert.Len(t, suite.Results, 4)
	assert.NotEmpty(t, suite.RunID)
}

func TestRootCommandErrors(t *testing.T) {
	_, err := runCLI(t, "--backend", "quantum", "run")
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = runCLI(t, "--config", filepath.Join(t.TempDir(), "none.yaml"), "run")
	assert.Error(t, err)

	_, err = runCLI(t, "run", "extra")
	assert.Error(t, err)

	t.Setenv("MINIBERT_BERT_VOCAB_SIZE", "3")
	t.Setenv("MINIBERT_BERT_CLS_TOKEN_ID", "1")
	t.Setenv("MINIBERT_BERT_SEP_TOKEN_ID", "2")
	_, err = runCLI(t, "run")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRootCommandConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minibert.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bert:\n  num_layers: 1\n"), 0o644))

	out, err := runCLI(t, "--config", path, "inspect", "--model", "bert")
	require.NoError(t, err)
	assert.Contains(t, out, "BERT (1 layers")
	assert.False(t, strings.Contains(out, "encoder.layer.1."))
}
