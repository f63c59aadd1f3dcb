package workflow

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/influencerai/worker/internal/domain"
)

// DefaultLorasDir is where ComfyUI looks for LoRA weights unless
// COMFYUI_LORAS_DIR overrides it.
const DefaultLorasDir = "/app/ComfyUI/models/loras"

const lorasMarker = "models/loras/"

// ResolveLoraPath converts a user-supplied LoRA path into the
// loader-relative name ComfyUI expects. Relative paths keep their structure
// with separators normalized; absolute paths are cut after models/loras/
// when present, otherwise reduced to the basename.
func ResolveLoraPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("%w: lora path is empty", domain.ErrInvalidArgument)
	}
	normalized := strings.ReplaceAll(p, "\\", "/")
	if !isAbsPath(p) {
		return normalized, nil
	}
	if idx := strings.Index(normalized, lorasMarker); idx >= 0 {
		return normalized[idx+len(lorasMarker):], nil
	}
	return path.Base(normalized), nil
}

func isAbsPath(p string) bool {
	if strings.HasPrefix(p, "/") {
		return true
	}
	// Windows drive-letter form
	return len(p) >= 3 && p[1] == ':' && (p[2] == '\\' || p[2] == '/')
}

// ValidateLoraExtension rejects weight files ComfyUI cannot load.
func ValidateLoraExtension(p string) error {
	switch strings.ToLower(path.Ext(strings.ReplaceAll(p, "\\", "/"))) {
	case ".safetensors", ".pt", ".ckpt":
		return nil
	default:
		return fmt.Errorf("%w: unsupported lora extension in %q (want .safetensors, .pt or .ckpt)", domain.ErrInvalidArgument, p)
	}
}

// FileChecker implements domain.LoraFileChecker against a local ComfyUI
// models directory.
type FileChecker struct {
	dir string
}

// NewFileChecker builds a checker rooted at dir, defaulting to
// DefaultLorasDir. A trailing slash is stripped.
func NewFileChecker(dir string) FileChecker {
	if dir == "" {
		dir = DefaultLorasDir
	}
	return FileChecker{dir: strings.TrimSuffix(dir, "/")}
}

// Dir returns the resolved models directory.
func (c FileChecker) Dir() string { return c.dir }

// Exists reports whether the resolved LoRA file is present on disk.
func (c FileChecker) Exists(p string) bool {
	resolved, err := ResolveLoraPath(p)
	if err != nil {
		return false
	}
	_, statErr := os.Stat(filepath.Join(c.dir, filepath.FromSlash(resolved)))
	return statErr == nil
}
