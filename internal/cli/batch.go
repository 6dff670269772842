package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/testsmith-ai/testsmith/internal/domain"
)

// codeExtensions are the source files the batch builder picks up when
// given a directory.
var codeExtensions = map[string]bool{
	".go":   true,
	".py":   true,
	".js":   true,
	".ts":   true,
	".java": true,
	".rb":   true,
	".rs":   true,
	".c":    true,
	".cc":   true,
	".cpp":  true,
}

// buildBatch turns source paths (files or directories) into a batch of
// generation tasks, one per source file.
func buildBatch(paths []string, maxConcurrency int) (*domain.Batch, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		err = filepath.WalkDir(p, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if strings.HasPrefix(d.Name(), ".") && path != p {
					return filepath.SkipDir
				}
				return nil
			}
			if isSourceFile(path) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no source files found")
	}

	batch := &domain.Batch{
		ID:             uuid.NewString(),
		MaxConcurrency: maxConcurrency,
	}
	for _, f := range files {
		content, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		tokens := len(content)/4 + 512
		task := &domain.Task{
			ID:              uuid.NewString(),
			SourceRef:       f,
			Prompt:          buildPrompt(f, string(content)),
			EstimatedTokens: tokens,
			EstimatedCost:   float64(tokens) / 1000 * 0.015,
			Complexity:      len(content) / 2000,
			Status:          domain.TaskPending,
		}
		batch.Tasks = append(batch.Tasks, task)
		batch.TotalEstimatedTokens += task.EstimatedTokens
		batch.TotalEstimatedCost += task.EstimatedCost
	}
	return batch, nil
}

// isSourceFile filters out tests, hidden files, and non-code files.
func isSourceFile(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := filepath.Ext(name)
	if !codeExtensions[ext] {
		return false
	}
	stem := strings.TrimSuffix(name, ext)
	if strings.HasSuffix(stem, "_test") || strings.HasSuffix(stem, ".test") ||
		strings.HasSuffix(stem, ".spec") || strings.HasPrefix(stem, "test_") {
		return false
	}
	return true
}

// buildPrompt is the fresh-start generation prompt for one source file.
func buildPrompt(path, content string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a complete, runnable test file for the source file %q below. ", path)
	b.WriteString("Cover the public functions, the main success paths, and the obvious edge cases. ")
	b.WriteString("Output only the test file content, no commentary.\n\n")
	fmt.Fprintf(&b, "--- SOURCE (%s) ---\n", path)
	b.WriteString(content)
	b.WriteString("\n--- END SOURCE ---\n")
	return b.String()
}

// artifactPath places the generated test next to its source (or under
// outDir mirroring nothing but the base name): foo.go → foo_test.go,
// foo.py → foo_test.py.
func artifactPath(sourceRef, outDir string) string {
	dir := filepath.Dir(sourceRef)
	if outDir != "" {
		dir = outDir
	}
	base := filepath.Base(sourceRef)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return filepath.Join(dir, stem+"_test"+ext)
}

// writeArtifact persists one generated test file.
func writeArtifact(sourceRef, outDir, content string) (string, error) {
	path := artifactPath(sourceRef, outDir)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", err
	}
	return path, nil
}
