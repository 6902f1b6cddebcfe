package validate

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/lucasnoah/infrafactory/internal/contract"
)

// SyntaxErrors parses every live change as YAML (or JSON for .json files)
// and returns one error per file that does not parse. Helm values and
// parameter values are plain text and only checked for emptiness.
func SyntaxErrors(changes []contract.CodeChange) []error {
	var errs []error
	for _, c := range changes {
		if c.Deleted {
			continue
		}
		if strings.TrimSpace(c.Content) == "" {
			errs = append(errs, fmt.Errorf("%s: empty content", c.Path))
			continue
		}
		if c.Kind == contract.KindParameter {
			continue
		}
		if strings.EqualFold(filepath.Ext(c.Path), ".json") {
			if !json.Valid([]byte(c.Content)) {
				errs = append(errs, fmt.Errorf("%s: invalid JSON", c.Path))
			}
			continue
		}
		if _, err := decodeAll(c.Content); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Path, err))
		}
	}
	return errs
}
