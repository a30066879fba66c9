// Package prompt implements the agent's effective system prompt: a base
// text plus an ordered list of overlay lines appended by operators during
// a session, both persisted to disk.
package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/common/apierr"
	"github.com/agentfleet/agentfleet/internal/common/logger"
)

const defaultBase = "# System Prompt\n\nYou are a helpful AI assistant."

const overlayHeader = "# Overlay"

// Layer holds the base prompt and overlay lines, backed by two text files.
type Layer struct {
	basePath    string
	overlayPath string
	log         *logger.Logger

	mu           sync.Mutex
	base         string
	overlayLines []string
}

// Open loads base and overlay content from disk, creating a default base
// file if one doesn't exist yet.
func Open(basePath, overlayPath string, log *logger.Logger) (*Layer, error) {
	l := &Layer{basePath: basePath, overlayPath: overlayPath, log: log}
	if err := l.loadFromDisk(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Layer) loadFromDisk() error {
	base, err := os.ReadFile(l.basePath)
	if os.IsNotExist(err) {
		l.base = defaultBase
		if err := l.saveBase(); err != nil {
			return err
		}
	} else if err != nil {
		return apierr.Newf(apierr.CodeHistoryIOError, "read base prompt: %v", err)
	} else {
		l.base = string(base)
	}

	overlay, err := os.ReadFile(l.overlayPath)
	if os.IsNotExist(err) {
		l.overlayLines = nil
	} else if err != nil {
		return apierr.Newf(apierr.CodeHistoryIOError, "read overlay prompt: %v", err)
	} else {
		l.overlayLines = splitNonEmptyLines(string(overlay))
	}
	return nil
}

func splitNonEmptyLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (l *Layer) saveBase() error {
	if err := os.MkdirAll(filepath.Dir(l.basePath), 0o755); err != nil {
		return apierr.Newf(apierr.CodePromptSetBaseFailed, "create base prompt dir: %v", err)
	}
	if err := os.WriteFile(l.basePath, []byte(l.base), 0o644); err != nil {
		return apierr.Newf(apierr.CodePromptSetBaseFailed, "write base prompt: %v", err)
	}
	return nil
}

func (l *Layer) saveOverlay() error {
	if err := os.MkdirAll(filepath.Dir(l.overlayPath), 0o755); err != nil {
		return apierr.Newf(apierr.CodePromptSetOverlayFailed, "create overlay prompt dir: %v", err)
	}
	content := strings.Join(l.overlayLines, "\n")
	if err := os.WriteFile(l.overlayPath, []byte(content), 0o644); err != nil {
		return apierr.Newf(apierr.CodePromptSetOverlayFailed, "write overlay prompt: %v", err)
	}
	return nil
}

// Effective returns the base prompt, followed by an overlay header and the
// newline-joined overlay lines if any are set.
func (l *Layer) Effective() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.overlayLines) == 0 {
		return l.base
	}
	return l.base + "\n\n" + overlayHeader + "\n" + strings.Join(l.overlayLines, "\n")
}

// GetBase returns the current base prompt text.
func (l *Layer) GetBase() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.base
}

// GetOverlay returns the current overlay text (newline-joined lines).
func (l *Layer) GetOverlay() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.overlayLines, "\n")
}

// GetOverlayLines returns a copy of the current overlay lines.
func (l *Layer) GetOverlayLines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.overlayLines))
	copy(out, l.overlayLines)
	return out
}

// SetBase overwrites the base prompt and persists it.
func (l *Layer) SetBase(text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.base = text
	if err := l.saveBase(); err != nil {
		return err
	}
	l.log.Info("base prompt updated")
	return nil
}

// SetOverlay overwrites the overlay text, re-splitting it into lines, and
// persists it.
func (l *Layer) SetOverlay(text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.overlayLines = splitNonEmptyLines(text)
	if err := l.saveOverlay(); err != nil {
		return err
	}
	l.log.Info("overlay prompt updated")
	return nil
}

// AppendOverlay appends a single line to the overlay. An empty or
// whitespace-only line is rejected with prompt.empty_line.
func (l *Layer) AppendOverlay(line string) error {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return apierr.New(apierr.CodePromptEmptyLine, "cannot append an empty overlay line")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.overlayLines = append(l.overlayLines, trimmed)
	if err := l.saveOverlay(); err != nil {
		return err
	}
	l.log.Info("overlay line appended", zap.String("line", trimmed))
	return nil
}

// ClearOverlay empties the overlay, in memory and on disk.
func (l *Layer) ClearOverlay() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.overlayLines = nil
	if err := l.saveOverlay(); err != nil {
		return err
	}
	l.log.Info("overlay cleared")
	return nil
}

// ReloadFromDisk re-reads both the base and overlay files, discarding any
// in-memory state that hadn't been persisted.
func (l *Layer) ReloadFromDisk() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.loadFromDisk(); err != nil {
		return apierr.Newf(apierr.CodePromptReloadFailed, "reload prompt from disk: %v", err)
	}
	l.log.Info("prompt reloaded from disk")
	return nil
}
