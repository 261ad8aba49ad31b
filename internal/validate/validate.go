// Package validate centralizes input validation for the control plane:
// title length, permission modes, working-directory sandboxing, and the
// size caps on messages, images, and file references named in the HTTP
// surface contract.
package validate

import (
	"path"
	"strings"
	"unicode"

	"github.com/mainthread-dev/mainthread/internal/apperr"
)

const (
	MaxTitleLen        = 255
	MaxContentLen      = 100_000
	MaxImages          = 10
	MaxFileReferences  = 20
	MaxInlinedFileChat = 100_000
)

// PermissionModes is the closed set of permission modes a thread may hold.
var PermissionModes = map[string]bool{
	"default":      true,
	"accept-edits": true,
	"bypass":       true,
	"plan":         true,
}

// Title validates a thread title: trimmed length in [1, 255].
func Title(title string) error {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return apperr.Validation("title must not be empty")
	}
	if len(trimmed) > MaxTitleLen {
		return apperr.Validation("title must be at most %d characters", MaxTitleLen)
	}
	return nil
}

// SanitizeTitle strips control characters from a title and stops copying
// runes once the result holds maxLen bytes (a final multi-byte rune may
// carry it a few bytes past), trimming surrounding whitespace left behind.
func SanitizeTitle(title string, maxLen int) string {
	var b strings.Builder
	b.Grow(len(title))
	for _, r := range title {
		if unicode.IsControl(r) {
			continue
		}
		if b.Len() >= maxLen {
			break
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// PermissionMode validates a permission-mode string against the closed set.
func PermissionMode(mode string) error {
	if mode == "" {
		return nil // caller defaults it
	}
	if !PermissionModes[mode] {
		return apperr.Validation("invalid permission mode %q", mode)
	}
	return nil
}

// Content validates message content length (1..100000 chars).
func Content(content string) error {
	if len(content) == 0 {
		return apperr.Validation("content must not be empty")
	}
	if len(content) > MaxContentLen {
		return apperr.Validation("content must be at most %d characters", MaxContentLen)
	}
	return nil
}

// ImageCount validates the number of attached images (<=10).
func ImageCount(n int) error {
	if n > MaxImages {
		return apperr.Validation("at most %d images are allowed", MaxImages)
	}
	return nil
}

// FileReferenceCount validates the number of @file references (<=20).
func FileReferenceCount(n int) error {
	if n > MaxFileReferences {
		return apperr.Validation("at most %d file references are allowed", MaxFileReferences)
	}
	return nil
}

// ImageMIME is the closed set of accepted inline image MIME types.
var ImageMIME = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

// SandboxPath resolves a user-supplied path against a base working
// directory, rejecting any traversal outside of it. Returns "" if the
// resolved path escapes base or is otherwise invalid.
func SandboxPath(base, rel string) string {
	if base == "" {
		return ""
	}
	cleanBase := path.Clean(base)
	if rel == "" {
		return cleanBase
	}
	joined := path.Clean(path.Join(cleanBase, rel))
	if joined != cleanBase && !strings.HasPrefix(joined, cleanBase+"/") {
		return ""
	}
	return joined
}

// WorkDir cleans a user-supplied working-directory path: strips control
// characters, expands a leading "~" against homeDir, and rejects
// anything that isn't absolute or that traverses with "..". Returns ""
// for input that cannot be made into a safe absolute path.
func WorkDir(value, homeDir string) string {
	var b strings.Builder
	for _, r := range value {
		if r < 0x20 || r == 0x7F {
			continue
		}
		b.WriteRune(r)
	}
	s := strings.TrimSpace(b.String())
	if s == "" {
		return ""
	}

	if s == "~" || strings.HasPrefix(s, "~/") {
		if homeDir == "" {
			return ""
		}
		if s == "~" {
			s = homeDir
		} else {
			s = homeDir + "/" + strings.TrimLeft(s[2:], "/")
		}
	}

	if !strings.HasPrefix(s, "/") {
		return ""
	}
	for _, comp := range strings.Split(s, "/") {
		if comp == ".." {
			return ""
		}
	}
	return path.Clean(s)
}

// MaxThreadDepth is a fixed bound on parent-chain length, independent of
// any thread's configured max-depth. The store's ThreadDepth walks do not
// use it; they stop after 64 hops.
const MaxThreadDepth = 10

// ChildMaxDepth validates the requested max-depth for a new child thread.
func ChildMaxDepth(n int) error {
	if n < 1 || n > 5 {
		return apperr.Validation("max thread depth must be between 1 and 5")
	}
	return nil
}
