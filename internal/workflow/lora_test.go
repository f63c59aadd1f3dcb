package workflow_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/influencerai/worker/internal/workflow"
)

func TestResolveLoraPath(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"relative stays relative", "char/face.safetensors", "char/face.safetensors"},
		{"relative backslashes normalized", `char\face.safetensors`, "char/face.safetensors"},
		{"absolute under loras dir", "/app/ComfyUI/models/loras/char/face.safetensors", "char/face.safetensors"},
		{"absolute elsewhere falls to basename", "/srv/weights/face.safetensors", "face.safetensors"},
		{"windows absolute under loras dir", `C:\ComfyUI\models\loras\face.pt`, "face.pt"},
		{"windows absolute elsewhere", `D:\weights\face.ckpt`, "face.ckpt"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := workflow.ResolveLoraPath(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestResolveLoraPath_Empty(t *testing.T) {
	t.Parallel()
	_, err := workflow.ResolveLoraPath("")
	require.Error(t, err)
	_, err = workflow.ResolveLoraPath("   ")
	require.Error(t, err)
}

func TestResolveLoraPath_Idempotent(t *testing.T) {
	t.Parallel()
	inputs := []string{
		"char/face.safetensors",
		"/app/ComfyUI/models/loras/char/face.safetensors",
		`C:\ComfyUI\models\loras\face.pt`,
		"/srv/weights/face.safetensors",
	}
	for _, in := range inputs {
		once, err := workflow.ResolveLoraPath(in)
		require.NoError(t, err)
		twice, err := workflow.ResolveLoraPath(once)
		require.NoError(t, err)
		assert.Equal(t, once, twice, "resolve(resolve(%q))", in)
	}
}

func TestValidateLoraExtension(t *testing.T) {
	t.Parallel()
	assert.NoError(t, workflow.ValidateLoraExtension("face.safetensors"))
	assert.NoError(t, workflow.ValidateLoraExtension("face.pt"))
	assert.NoError(t, workflow.ValidateLoraExtension("face.CKPT"))
	assert.Error(t, workflow.ValidateLoraExtension("face.bin"))
	assert.Error(t, workflow.ValidateLoraExtension("face"))
}

func TestFileChecker(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "char"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "char", "face.safetensors"), []byte("w"), 0o644))

	c := workflow.NewFileChecker(dir + "/")
	assert.Equal(t, dir, c.Dir(), "trailing slash stripped")
	assert.True(t, c.Exists("char/face.safetensors"))
	assert.True(t, c.Exists("/app/ComfyUI/models/loras/char/face.safetensors"))
	assert.False(t, c.Exists("char/missing.safetensors"))
	assert.False(t, c.Exists(""))
}

func TestFileChecker_DefaultDir(t *testing.T) {
	t.Parallel()
	c := workflow.NewFileChecker("")
	assert.Equal(t, workflow.DefaultLorasDir, c.Dir())
}
