package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"revspec/internal/report"
)

// Emitter renders one analysis result somewhere durable.
type Emitter interface {
	Emit(ctx context.Context, r *report.AnalysisResult) error
}

// FileEmitter writes one specification file per source file under Dir, mirroring the source path.
type FileEmitter struct {
	Dir    string
	Format string
}

func NewFileEmitter(dir, format string) *FileEmitter {
	if format == "" {
		format = "yaml"
	}
	return &FileEmitter{Dir: dir, Format: format}
}

func (e *FileEmitter) Emit(ctx context.Context, r *report.AnalysisResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, ext, err := e.render(r)
	if err != nil {
		return fmt.Errorf("failed to render %s: %w", r.Path, err)
	}
	out := e.Target(r.Path, ext)
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}
	return os.WriteFile(out, body, 0o644)
}

// Target is the output path for a source path.
func (e *FileEmitter) Target(source, ext string) string {
	rel := filepath.ToSlash(filepath.Clean(source))
	rel = strings.TrimPrefix(filepath.ToSlash(strings.TrimPrefix(rel, filepath.VolumeName(rel))), "/")
	parts := strings.Split(rel, "/")
	for i, p := range parts {
		if p == ".." {
			parts[i] = "_"
		}
	}
	return filepath.Join(e.Dir, filepath.FromSlash(strings.Join(parts, "/"))) + ".spec" + ext
}

func (e *FileEmitter) render(r *report.AnalysisResult) ([]byte, string, error) {
	switch e.Format {
	case "json":
		body, err := json.MarshalIndent(r, "", "  ")
		return append(body, '\n'), ".json", err
	case "yaml":
		body, err := MarshalYAML(r)
		return body, ".yaml", err
	default:
		return nil, "", fmt.Errorf("unknown output format %q", e.Format)
	}
}

// MarshalYAML encodes v with two-space indentation.
func MarshalYAML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteReport writes the batch report as indented JSON.
func WriteReport(path string, b *report.BatchReport) error {
	body, err := json.MarshalIndent(struct {
		*report.BatchReport
		Status string `json:"status"`
	}{b, b.Status().String()}, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, append(body, '\n'), 0o644)
}
