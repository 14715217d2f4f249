package gate

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/arctek/awc/kanban"
)

// sourceExts are the file extensions counted as source when walking a tree.
var sourceExts = map[string]bool{
	".go":  true,
	".ts":  true,
	".tsx": true,
	".js":  true,
	".jsx": true,
	".py":  true,
}

// skippedDirs are never descended into during the metrics walk.
var skippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	".smoke-data":  true,
	".worktrees":   true,
}

// anyEscapeRe matches type-system escape hatches: explicit any annotations,
// any casts, and bare empty-interface types.
var anyEscapeRe = regexp.MustCompile(`:\s*any\b|\bas any\b|\bany\[\]|interface\{\}`)

// lintWarningRe and lintErrorRe classify lines of lint output. Both
// golangci-lint and eslint-style reporters put the severity word on the
// finding line.
var (
	lintWarningRe = regexp.MustCompile(`(?i)\bwarning\b`)
	lintErrorRe   = regexp.MustCompile(`(?i)\berror\b`)
)

// HarvestMetrics computes a point-in-time quality snapshot of dir: lint
// warning and error counts from the configured lint command, any-escape
// occurrences, and source/test file counts. Used to seed campaign baselines
// and compute report deltas.
func (r *Runner) HarvestMetrics(ctx context.Context, dir string) (*kanban.CodebaseMetrics, error) {
	m := &kanban.CodebaseMetrics{CapturedAt: kanban.Now()}

	if len(r.cmds.Lint) > 0 {
		lint := r.runBounded(ctx, dir, r.cmds.Lint, nil)
		m.LintWarnings, m.LintErrors = countLintFindings(lint.Output)
	}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		ext := filepath.Ext(d.Name())
		if !sourceExts[ext] {
			return nil
		}
		m.SourceFiles++
		if isTestFile(d.Name()) {
			m.TestFiles++
		}
		m.AnyEscapes += countAnyEscapes(path)
		return nil
	})
	if err != nil {
		return nil, kanban.Internalf(err, "metrics walk of %s failed", dir)
	}
	return m, nil
}

// countLintFindings tallies warning and error lines in lint output. Lines
// matching both count as errors.
func countLintFindings(output string) (warnings, errors int) {
	for _, line := range strings.Split(output, "\n") {
		switch {
		case lintErrorRe.MatchString(line):
			errors++
		case lintWarningRe.MatchString(line):
			warnings++
		}
	}
	return warnings, errors
}

func isTestFile(name string) bool {
	return strings.HasSuffix(name, "_test.go") ||
		strings.Contains(name, ".test.") ||
		strings.Contains(name, ".spec.")
}

// countAnyEscapes counts type-escape matches in one file. Unreadable files
// count zero; the walk already surfaced real filesystem problems.
func countAnyEscapes(path string) int {
	data, err := readFileCapped(path, 4<<20)
	if err != nil {
		return 0
	}
	return len(anyEscapeRe.FindAllIndex(data, -1))
}

func readFileCapped(path string, capBytes int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, capBytes))
}
