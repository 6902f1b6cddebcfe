package checks

import "fmt"

// GenericParser is the fallback parser that captures exit code and actual output.
type GenericParser struct{}

// maxOutputLen caps how much stdout/stderr the generic parser retains in findings.
const maxOutputLen = 8000

func (p *GenericParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	passed := exitCode == 0
	summary := fmt.Sprintf("exit code %d, stdout=%d bytes, stderr=%d bytes", exitCode, len(stdout), len(stderr))
	if passed {
		return ParseResult{Passed: true, Summary: "passed (exit code 0)"}
	}

	// Keep the tail; tool errors and tracebacks are usually at the end.
	msg := tail(combine(stdout, stderr), maxOutputLen)
	if msg == "" {
		msg = summary
	}
	return ParseResult{
		Passed:   false,
		Summary:  summary,
		Findings: []Finding{{Level: LevelError, Message: msg}},
	}
}

func combine(stdout, stderr string) string {
	combined := stdout
	if stderr != "" {
		if combined != "" {
			combined += "\n"
		}
		combined += stderr
	}
	return combined
}

func tail(s string, n int) string {
	if len(s) > n {
		return "…(truncated)\n" + s[len(s)-n:]
	}
	return s
}
