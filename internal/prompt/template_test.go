package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRender_SimpleVars(t *testing.T) {
	tmpl := "Deploy {{resource}} to {{environment}}."
	vars := Vars{
		"resource":    "redis",
		"environment": "prd",
	}

	result, err := Render(tmpl, vars)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "Deploy redis to prd."
	if result != expected {
		t.Errorf("expected %q, got %q", expected, result)
	}
}

func TestRender_MissingVar(t *testing.T) {
	_, err := Render("kubectl apply -f {{path}} -n {{namespace}}", Vars{"path": "a.yaml"})
	if err == nil {
		t.Fatal("expected error for missing variable")
	}
	if !strings.Contains(err.Error(), "namespace") {
		t.Errorf("error should mention missing variable, got: %v", err)
	}
}

func TestRender_Conditionals(t *testing.T) {
	tmpl := "Start.{{#if feedback}}\nFix: {{feedback}}\n{{/if}}End."

	got, err := Render(tmpl, Vars{"feedback": "add limits"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "Start.\nFix: add limits\nEnd." {
		t.Errorf("present: got %q", got)
	}

	got, err = Render(tmpl, Vars{"feedback": ""})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "Start.End." {
		t.Errorf("empty: got %q", got)
	}
}

func TestRender_NestedConditionals(t *testing.T) {
	tmpl := "START{{#if a}}outer {{#if b}}inner{{/if}} end{{/if}}FINISH"

	got, err := Render(tmpl, Vars{"a": "yes", "b": "yes"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "STARTouter inner endFINISH" {
		t.Errorf("got %q", got)
	}

	got, err = Render(tmpl, Vars{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "STARTFINISH" {
		t.Errorf("outer absent: got %q", got)
	}
}

func TestRender_ValuesAreNotReexpanded(t *testing.T) {
	got, err := Render("{{a}} and {{b}}", Vars{"a": "{{b}}", "b": "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "{{b}} and hello" {
		t.Errorf("got %q", got)
	}
}

func TestRender_UnclosedConditional(t *testing.T) {
	_, err := Render("START{{#if x}}content", Vars{"x": "yes"})
	if err == nil || !strings.Contains(err.Error(), "unclosed") {
		t.Errorf("expected unclosed error, got: %v", err)
	}
	_, err = Render("a{{/if}}", Vars{})
	if err == nil || !strings.Contains(err.Error(), "dangling") {
		t.Errorf("expected dangling error, got: %v", err)
	}
}

func TestBuiltinTemplatesRender(t *testing.T) {
	vars := Vars{
		"request":      "add a redis cache",
		"environment":  "dev",
		"summary":      "redis",
		"path":         "k8s/redis.yaml",
		"kind":         "kubernetes",
		"operation":    "create",
		"description":  "redis deployment",
		"requirements": "- REQ-001 redis running",
	}
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			out, err := LoadAndRender(name, "", vars)
			if err != nil {
				t.Fatalf("render %s: %v", name, err)
			}
			if strings.Contains(out, "{{") {
				t.Errorf("unexpanded placeholder left in %s", name)
			}
		})
	}
}

func TestGenerateTemplateIncludesFeedback(t *testing.T) {
	out, err := LoadAndRender(Generate, "", Vars{
		"summary": "s", "environment": "dev", "path": "p", "kind": "helm", "operation": "modify",
		"description": "d", "requirements": "r", "feedback": "- FIND-001 missing limits",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "FIND-001 missing limits") {
		t.Errorf("feedback missing:\n%s", out)
	}
}

func TestLoad_Override(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, Classify), []byte("custom {{request}}"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := Load(Classify, dir)
	if err != nil {
		t.Fatal(err)
	}
	if got != "custom {{request}}" {
		t.Errorf("override not used: %q", got)
	}

	got, err = Load(Plan, dir)
	if err != nil {
		t.Fatal(err)
	}
	if got != planTemplate {
		t.Error("missing override should fall back to built-in")
	}
}

func TestLoad_NotFound(t *testing.T) {
	if _, err := Load("nope.md", t.TempDir()); err == nil {
		t.Error("expected error")
	}
}

func TestLoad_PathTraversal(t *testing.T) {
	tmp := t.TempDir()
	dir := filepath.Join(tmp, "prompts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tmp, "secret.txt"), []byte("TOP SECRET"), 0o644); err != nil {
		t.Fatal(err)
	}
	if content, err := Load("../secret.txt", dir); err == nil {
		t.Errorf("path traversal read %q", content)
	}
}

func TestInstall(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "prompts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, Plan), []byte("mine"), 0o644); err != nil {
		t.Fatal(err)
	}

	written, err := Install(dir)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if len(written) != len(Names())-1 {
		t.Errorf("wrote %v, existing plan.md should be kept", written)
	}
	data, _ := os.ReadFile(filepath.Join(dir, Plan))
	if string(data) != "mine" {
		t.Error("existing template was overwritten")
	}
}
