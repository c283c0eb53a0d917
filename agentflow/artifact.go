package agentflow

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/patternflow/agentflow/template"
)

// WriteArtifacts renders and writes every declared artifact after a
// pattern completes, returning the absolute paths actually written. Each
// write is atomic (write to a temp file in the same directory, then
// rename) so a crash mid-write never leaves a corrupt target file.
func WriteArtifacts(specs []ArtifactSpec, outputDir string, ctx *Context) ([]string, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	data := ctx.snapshot()

	absOutputDir, err := filepath.Abs(outputDir)
	if err != nil {
		return nil, &ArtifactError{Kind: ArtifactIOFailure, Path: outputDir, Err: err}
	}
	if err := os.MkdirAll(absOutputDir, 0o755); err != nil {
		return nil, &ArtifactError{Kind: ArtifactIOFailure, Path: absOutputDir, Err: err}
	}

	var written []string
	for _, spec := range specs {
		relPath, err := template.Render(spec.PathTemplate, data)
		if err != nil {
			return written, &ArtifactError{Kind: ArtifactIOFailure, Path: spec.PathTemplate, Err: err}
		}
		content, err := template.Render(spec.ContentTemplate, data)
		if err != nil {
			return written, &ArtifactError{Kind: ArtifactIOFailure, Path: relPath, Err: err}
		}

		target := filepath.Join(absOutputDir, relPath)
		// Defense in depth: the loader is expected to have already
		// validated path templates against traversal, but a rendered
		// template is still arbitrary text, so re-check containment here.
		if !strings.HasPrefix(target, absOutputDir+string(os.PathSeparator)) && target != absOutputDir {
			return written, &ArtifactError{Kind: ArtifactPathEscape, Path: relPath}
		}

		if !spec.ForceOverwrite {
			if _, err := os.Stat(target); err == nil {
				return written, &ArtifactError{Kind: ArtifactOverwrite, Path: target}
			}
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return written, &ArtifactError{Kind: ArtifactIOFailure, Path: target, Err: err}
		}
		tmp := target + ".tmp"
		if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
			return written, &ArtifactError{Kind: ArtifactIOFailure, Path: target, Err: err}
		}
		if err := os.Rename(tmp, target); err != nil {
			return written, &ArtifactError{Kind: ArtifactIOFailure, Path: target, Err: err}
		}
		written = append(written, target)
	}
	return written, nil
}
