// Package validate implements the review battery: command-driven lint and
// policy checks, a built-in workload schema check, a secret scan, a
// structural syntax check and the cost table.
package validate

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lucasnoah/infrafactory/internal/contract"
)

// Materialize writes every non-deleted change under dir, keeping each
// change's relative path.
func Materialize(dir string, changes []contract.CodeChange) error {
	for _, c := range changes {
		if c.Deleted {
			continue
		}
		rel, err := safeRel(c.Path)
		if err != nil {
			return err
		}
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Dir(rel), err)
		}
		if err := os.WriteFile(path, []byte(c.Content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}
	return nil
}

// safeRel rejects paths that would land outside the materialized tree.
func safeRel(p string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(p))
	if filepath.IsAbs(clean) || clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("unsafe change path %q", p)
	}
	return clean, nil
}

// ofKinds returns the live changes whose kind is in kinds. An empty kinds
// list matches everything.
func ofKinds(changes []contract.CodeChange, kinds []string) []contract.CodeChange {
	var out []contract.CodeChange
	for _, c := range changes {
		if c.Deleted {
			continue
		}
		if len(kinds) == 0 {
			out = append(out, c)
			continue
		}
		for _, k := range kinds {
			if string(c.Kind) == k {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// shellQuote single-quotes s for sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
