package providers

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// runCLI writes the image to a temp file and runs an external OCR command
// against it, returning stdout. The temp file is cleaned up after the run.
func runCLI(ctx context.Context, image []byte, name string, argv func(path string) []string) ([]byte, error) {
	dir, err := os.MkdirTemp("", "jarvis-ocr-")
	if err != nil {
		return nil, Transient(fmt.Errorf("create temp dir: %w", err))
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "image")
	if err := os.WriteFile(path, image, 0o600); err != nil {
		return nil, Transient(fmt.Errorf("write temp image: %w", err))
	}

	cmd := exec.CommandContext(ctx, name, argv(path)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s: %w: %s", name, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return stdout.Bytes(), nil
}

func onPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
