// Package groups implements the centralized configuration command handler
// (§4.K): set-group / update-group, downloading, validating, and atomically
// installing group configuration files.
package groups

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/endpointguard/agent/agent/command"
)

// Downloader fetches a group's configuration file into tmpPath.
type Downloader func(ctx context.Context, groupID, tmpPath string) error

// Validator reports whether the file at path is well-formed.
type Validator func(path string) bool

// IDSetter / IDGetter persist and read back the agent's group membership
// (backed by agent/identity.SetGroups/GetGroups in the runtime wiring).
type IDSetter func(ctx context.Context, ids []string) error
type IDGetter func(ctx context.Context) ([]string, error)

// Handler implements set-group and update-group. Both callbacks must be set
// before either command can succeed.
type Handler struct {
	download  Downloader
	validate  Validator
	setIDs    IDSetter
	getIDs    IDGetter
	tmpDir    string
	sharedDir string
	logger    *zap.Logger
}

// Config configures a Handler.
type Config struct {
	Download  Downloader
	Validate  Validator
	SetIDs    IDSetter
	GetIDs    IDGetter
	TmpDir    string
	SharedDir string
}

// New builds a Handler.
func New(cfg Config, logger *zap.Logger) *Handler {
	return &Handler{
		download:  cfg.Download,
		validate:  cfg.Validate,
		setIDs:    cfg.SetIDs,
		getIDs:    cfg.GetIDs,
		tmpDir:    cfg.TmpDir,
		sharedDir: cfg.SharedDir,
		logger:    logger.With(zap.String("component", "groups")),
	}
}

type setGroupParams struct {
	Groups []string `json:"groups"`
}

// SetGroup implements the set-group command: parameters is an object whose
// "groups" field is an array of group ids. Membership is replaced via setIDs, then each group's file is
// downloaded, validated, and installed.
func (h *Handler) SetGroup(ctx context.Context, parameters json.RawMessage) (command.Status, string) {
	if h.download == nil || h.validate == nil || h.setIDs == nil {
		return command.StatusFailure, "group callbacks not configured"
	}

	var p setGroupParams
	if err := json.Unmarshal(parameters, &p); err != nil || len(p.Groups) == 0 {
		return command.StatusFailure, "set-group requires a non-empty groups array"
	}

	if err := h.setIDs(ctx, p.Groups); err != nil {
		return command.StatusFailure, fmt.Sprintf("persist group ids: %v", err)
	}

	return h.installAll(ctx, p.Groups)
}

// UpdateGroup implements update-group: the same install pipeline, but the
// group ids come from the currently persisted membership rather than from
// command parameters.
func (h *Handler) UpdateGroup(ctx context.Context, parameters json.RawMessage) (command.Status, string) {
	if h.download == nil || h.validate == nil || h.getIDs == nil {
		return command.StatusFailure, "group callbacks not configured"
	}

	ids, err := h.getIDs(ctx)
	if err != nil {
		return command.StatusFailure, fmt.Sprintf("read group ids: %v", err)
	}
	return h.installAll(ctx, ids)
}

// installAll downloads, validates, and installs one group id at a time.
// An invalid file aborts the whole command as FAILURE; siblings already
// moved into place remain installed.
func (h *Handler) installAll(ctx context.Context, ids []string) (command.Status, string) {
	for _, id := range ids {
		if err := h.installOne(ctx, id); err != nil {
			h.logger.Warn("group install failed", zap.String("group", id), zap.Error(err))
			return command.StatusFailure, fmt.Sprintf("group %s: %v", id, err)
		}
	}
	return command.StatusSuccess, fmt.Sprintf("installed %d group(s)", len(ids))
}

var errInvalidGroupFile = errors.New("invalid group file")

func (h *Handler) installOne(ctx context.Context, id string) error {
	tmpPath := filepath.Join(h.tmpDir, id+".conf")
	if err := h.download(ctx, id, tmpPath); err != nil {
		return fmt.Errorf("download: %w", err)
	}

	if !h.validate(tmpPath) {
		os.Remove(tmpPath)
		return errInvalidGroupFile
	}

	if err := os.MkdirAll(h.sharedDir, 0o750); err != nil {
		return fmt.Errorf("create shared dir: %w", err)
	}

	dstPath := filepath.Join(h.sharedDir, id+".conf")
	if err := os.Rename(tmpPath, dstPath); err != nil {
		return fmt.Errorf("install: %w", err)
	}
	return nil
}
