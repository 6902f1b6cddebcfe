package checks

// Severity levels reported by parsers.
const (
	LevelError   = "error"
	LevelWarning = "warning"
)

// Finding is one normalized tool diagnostic.
type Finding struct {
	File        string `json:"file,omitempty"`
	Line        int    `json:"line,omitempty"`
	Level       string `json:"level"`
	Rule        string `json:"rule,omitempty"`
	Message     string `json:"message"`
	Remediation string `json:"remediation,omitempty"`
}

// ParseResult holds the normalized output from a parser.
type ParseResult struct {
	Passed   bool      `json:"passed"`
	Summary  string    `json:"summary"`
	Findings []Finding `json:"findings,omitempty"`
}

// Parser converts raw command output into a structured ParseResult.
type Parser interface {
	Parse(stdout string, stderr string, exitCode int) ParseResult
}

func countLevels(findings []Finding) (errs, warns int) {
	for _, f := range findings {
		if f.Level == LevelError {
			errs++
		} else {
			warns++
		}
	}
	return errs, warns
}
