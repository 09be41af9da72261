package bridge

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/durango-dev/durango/pkg/codex"
	"github.com/durango-dev/durango/pkg/relay"
)

const maxAttachmentNameLen = 120

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SafeAttachmentName sanitizes an uploaded file name for disk: basename
// only, unsafe characters replaced, length capped.
func SafeAttachmentName(name string) string {
	base := filepath.Base(strings.TrimSpace(name))
	safe := unsafeNameChars.ReplaceAllString(base, "_")
	if len(safe) > maxAttachmentNameLen {
		safe = safe[:maxAttachmentNameLen]
	}
	if safe == "" || safe == "." || safe == ".." {
		safe = "attachment"
	}
	return safe
}

// AttachmentDir returns the upload directory for one dispatch request.
func AttachmentDir(baseDir, requestID string) string {
	return filepath.Join(baseDir, ".durango", "uploads", requestID)
}

type materializedAttachment struct {
	Kind string
	Name string
	Path string
}

// materializeAttachments writes dispatch attachments to disk so the agent
// can reference them by path. Files are named NN-safeName in request order.
func materializeAttachments(baseDir, requestID string, attachments []relay.Attachment) ([]materializedAttachment, error) {
	if len(attachments) == 0 {
		return nil, nil
	}

	dir := AttachmentDir(baseDir, requestID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir %s: %w", dir, err)
	}

	out := make([]materializedAttachment, 0, len(attachments))
	for i, att := range attachments {
		path := filepath.Join(dir, fmt.Sprintf("%02d-%s", i+1, SafeAttachmentName(att.Name)))
		if err := os.WriteFile(path, att.Data, 0o644); err != nil {
			return nil, fmt.Errorf("write attachment %s: %w", path, err)
		}
		out = append(out, materializedAttachment{Kind: att.Kind, Name: att.Name, Path: path})
	}
	return out, nil
}

// buildTurnInput assembles the agent input for a dispatched turn: the
// trimmed prompt as a text item, then one item per attachment.
func buildTurnInput(action *relay.DispatchAction) ([]codex.InputItem, error) {
	var input []codex.InputItem
	if prompt := strings.TrimSpace(action.Prompt); prompt != "" {
		input = append(input, codex.NewTextInput(prompt))
	}

	baseDir := action.Cwd
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	files, err := materializeAttachments(baseDir, action.RequestID, action.Attachments)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if f.Kind == "image" {
			input = append(input, codex.NewLocalImageInput(f.Path))
		} else {
			input = append(input, codex.NewMentionInput(f.Name, f.Path))
		}
	}

	if len(input) == 0 {
		return nil, errors.New("turn/start requires prompt text or at least one attachment.")
	}
	return input, nil
}
