package groups

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/endpointguard/agent/agent/command"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o640))
}

func newHandler(t *testing.T, download Downloader, validate Validator) (*Handler, string, []string) {
	t.Helper()
	tmpDir := t.TempDir()
	sharedDir := filepath.Join(t.TempDir(), "shared")
	var setIDs []string

	h := New(Config{
		Download: download,
		Validate: validate,
		SetIDs: func(ctx context.Context, ids []string) error {
			setIDs = append(setIDs, ids...)
			return nil
		},
		GetIDs:    func(ctx context.Context) ([]string, error) { return setIDs, nil },
		TmpDir:    tmpDir,
		SharedDir: sharedDir,
	}, zap.NewNop())
	return h, sharedDir, setIDs
}

func TestSetGroup_Success_InstallsFiles(t *testing.T) {
	download := func(ctx context.Context, id, tmpPath string) error {
		writeFile(t, tmpPath, "valid content for "+id)
		return nil
	}
	validate := func(path string) bool { return true }
	h, sharedDir, _ := newHandler(t, download, validate)

	status, _ := h.SetGroup(context.Background(), []byte(`{"groups":["g1","g2"]}`))
	assert.Equal(t, command.StatusSuccess, status)

	assert.FileExists(t, filepath.Join(sharedDir, "g1.conf"))
	assert.FileExists(t, filepath.Join(sharedDir, "g2.conf"))
}

func TestSetGroup_EmptyParametersFails(t *testing.T) {
	h, _, _ := newHandler(t, func(ctx context.Context, id, tmpPath string) error { return nil }, func(path string) bool { return true })
	status, _ := h.SetGroup(context.Background(), []byte(`{"groups":[]}`))
	assert.Equal(t, command.StatusFailure, status)
}

func TestSetGroup_InvalidFileAbortsButKeepsSiblings(t *testing.T) {
	download := func(ctx context.Context, id, tmpPath string) error {
		writeFile(t, tmpPath, "content for "+id)
		return nil
	}
	validate := func(path string) bool {
		return filepath.Base(path) != "g2.conf"
	}
	h, sharedDir, _ := newHandler(t, download, validate)

	status, _ := h.SetGroup(context.Background(), []byte(`{"groups":["g1","g2","g3"]}`))
	assert.Equal(t, command.StatusFailure, status)

	assert.FileExists(t, filepath.Join(sharedDir, "g1.conf"))
	assert.NoFileExists(t, filepath.Join(sharedDir, "g2.conf"))
	assert.NoFileExists(t, filepath.Join(sharedDir, "g3.conf"))
}

func TestUpdateGroup_UsesPersistedIDs(t *testing.T) {
	var downloaded []string
	download := func(ctx context.Context, id, tmpPath string) error {
		downloaded = append(downloaded, id)
		writeFile(t, tmpPath, "content")
		return nil
	}
	validate := func(path string) bool { return true }
	h, _, _ := newHandler(t, download, validate)

	status, _ := h.SetGroup(context.Background(), []byte(`{"groups":["g1"]}`))
	require.Equal(t, command.StatusSuccess, status)
	downloaded = nil

	status, _ = h.UpdateGroup(context.Background(), nil)
	assert.Equal(t, command.StatusSuccess, status)
	assert.Equal(t, []string{"g1"}, downloaded)
}

func TestSetGroup_MissingCallbacksFails(t *testing.T) {
	h := New(Config{TmpDir: t.TempDir(), SharedDir: t.TempDir()}, zap.NewNop())
	status, _ := h.SetGroup(context.Background(), []byte(`{"groups":["g1"]}`))
	assert.Equal(t, command.StatusFailure, status)
}
