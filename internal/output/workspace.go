// Package output manages the local session directory: downloaded
// selfies, the session log, and a backup of the effective config.
package output

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lumora-app/fanstudio/internal/util"
)

// Workspace is one timestamped directory under the configured output
// root. Everything a run produces locally lands here.
type Workspace struct {
	dir    string
	logger *slog.Logger
}

// NewWorkspace creates a timestamped session directory under baseDir
func NewWorkspace(baseDir string, logger *slog.Logger) (*Workspace, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02T15-04-05")
	dir := filepath.Join(baseDir, "session_"+timestamp)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	logger.Info("Created session directory", "path", dir)
	return &Workspace{dir: dir, logger: logger}, nil
}

// Dir returns the session directory path
func (w *Workspace) Dir() string {
	return w.dir
}

// LogPath returns the full path to the session log file
func (w *Workspace) LogPath() string {
	return filepath.Join(w.dir, "session.log")
}

// SaveDownload streams a clean download into the session directory
// under a sanitized file name and returns the written path
func (w *Workspace) SaveDownload(name string, r io.Reader) (string, error) {
	path := filepath.Join(w.dir, util.SanitizeFilename(name))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create download file: %w", err)
	}

	written, err := io.Copy(f, r)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to write download: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to close download file: %w", err)
	}

	w.logger.Info("Saved download", "path", path, "bytes", written)
	return path, nil
}

// BackupConfig copies the config file into the session directory so a
// run can be reproduced later
func (w *Workspace) BackupConfig(configPath string) error {
	source, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	backupPath := filepath.Join(w.dir, "config.toml.bak")
	if err := os.WriteFile(backupPath, source, 0644); err != nil {
		return fmt.Errorf("failed to write config backup: %w", err)
	}

	w.logger.Info("Backed up config file", "path", backupPath)
	return nil
}
