package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/h8rt3rmin8r/faceforge/internal/model"
)

// One argument per line, as ExifTool reads -@ files.
var exifToolArgs = []string{
	"-quiet",
	"-extractEmbedded3",
	"-scanForXMP",
	"-unknown2",
	"-json",
	"-G3:1",
	"-struct",
	"-b",
	"-ignoreMinorErrors",
	"-charset", "filename=utf8",
	"-api", "requestall=3",
	"-api", "largefilesupport=1",
	"--",
}

// Keys that vary per host or per run and say nothing about the content.
var volatileKeys = map[string]struct{}{
	"ExifTool:ExifToolVersion": {},
	"ExifTool:FileSequence":    {},
	"ExifTool:NewGUID":         {},
	"System:BaseName":          {},
	"System:Directory":         {},
	"System:FileBlockCount":    {},
	"System:FileBlockSize":     {},
	"System:FileDeviceID":      {},
	"System:FileDeviceNumber":  {},
	"System:FileGroupID":       {},
	"System:FileHardLinks":     {},
	"System:FileInodeNumber":   {},
	"System:FileName":          {},
	"System:FilePath":          {},
	"System:FilePermissions":   {},
	"System:FileUserID":        {},
}

// ExifTool runs the exiftool executable against a local file.
type ExifTool struct {
	Path    string
	Timeout time.Duration
	// TempDir holds the argument files; empty means os.TempDir.
	TempDir string
}

func (e *ExifTool) Extract(ctx context.Context, path string) (json.RawMessage, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrExtractionFailed, err)
	}
	argsFile, err := os.CreateTemp(e.TempDir, "exiftool-*.args")
	if err != nil {
		return nil, fmt.Errorf("%w: create args file: %v", model.ErrExtractionFailed, err)
	}
	defer os.Remove(argsFile.Name())
	_, err = argsFile.WriteString(strings.Join(exifToolArgs, "\n") + "\n")
	if cerr := argsFile.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("%w: write args file: %v", model.ErrExtractionFailed, err)
	}

	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}
	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, e.Path, "-@", argsFile.Name(), path)
	cmd.Stdout = &stdout
	cmd.WaitDelay = time.Second
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrExtractionFailed, ctxErr)
		}
		return nil, fmt.Errorf("%w: exiftool: %v", model.ErrExtractionFailed, err)
	}
	return ParseOutput(stdout.Bytes())
}

// ParseOutput validates exiftool JSON and strips volatile keys. Empty or
// invalid output, or output that is empty once stripped, is an error.
func ParseOutput(out []byte) (json.RawMessage, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: exiftool produced empty output", model.ErrExtractionFailed)
	}
	var parsed any
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("%w: exiftool output was not valid JSON", model.ErrExtractionFailed)
	}
	filtered := Sanitize(parsed)
	if isEmpty(filtered) {
		return nil, fmt.Errorf("%w: exiftool JSON became empty after filtering", model.ErrExtractionFailed)
	}
	b, err := json.Marshal(filtered)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrExtractionFailed, err)
	}
	return b, nil
}

// Sanitize removes volatile keys at any depth.
func Sanitize(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, 0, len(t))
		for _, x := range t {
			out = append(out, Sanitize(x))
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			if _, drop := volatileKeys[k]; drop {
				continue
			}
			out[k] = Sanitize(x)
		}
		return out
	}
	return v
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case map[string]any:
		return len(t) == 0
	case []any:
		for _, x := range t {
			if !isEmpty(x) {
				return false
			}
		}
		return true
	}
	return false
}

// ResolveExifTool finds the executable. A configured path wins, relative
// paths resolve against toolsDir. Otherwise only the bundled locations under
// toolsDir are considered; PATH is never searched.
func ResolveExifTool(configured, toolsDir string) (string, error) {
	if raw := strings.TrimSpace(configured); raw != "" {
		p := raw
		if strings.HasPrefix(p, "~"+string(filepath.Separator)) {
			if home, err := os.UserHomeDir(); err == nil {
				p = filepath.Join(home, p[2:])
			}
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(toolsDir, p)
		}
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("exiftool not found at %s: %w", p, err)
		}
		return p, nil
	}

	name := "exiftool"
	if runtime.GOOS == "windows" {
		name = "exiftool.exe"
	}
	for _, c := range []string{
		filepath.Join(toolsDir, name),
		filepath.Join(toolsDir, "exiftool", name),
	} {
		if fi, err := os.Stat(c); err == nil && !fi.IsDir() {
			return c, nil
		}
	}
	return "", errors.New("exiftool not found in tools directory")
}
