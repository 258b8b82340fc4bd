package config

import (
	"strings"
	"testing"
)

func validPipeline() Pipeline {
	return Pipeline{
		Name: "p",
		Steps: []StepDef{
			{Name: "a", Kind: "generator"},
			{Name: "b", Kind: "convert", ErrorHandling: ErrorHandling{Enabled: true, Target: "c"}},
			{Name: "c", Kind: "dummy"},
		},
		Hops: []Hop{
			{From: "a", To: "b"},
			{From: "b", To: "c", Error: true},
		},
	}
}

func hasIssue(issues []Issue, sev IssueSeverity, path, substr string) bool {
	for _, iss := range issues {
		if iss.Severity == sev && iss.Path == path && strings.Contains(iss.Message, substr) {
			return true
		}
	}
	return false
}

func TestValidatePipeline_OK(t *testing.T) {
	t.Parallel()
	issues := ValidatePipeline(validPipeline(), "generator", "convert", "dummy")
	if len(issues) != 0 {
		t.Fatalf("issues = %v, want none", issues)
	}
}

func TestValidatePipeline_Findings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Pipeline)
		sev    IssueSeverity
		path   string
		substr string
	}{
		{"no steps", func(p *Pipeline) { p.Steps = nil; p.Hops = nil }, SeverityError, "steps", "no steps"},
		{"empty name", func(p *Pipeline) { p.Steps[0].Name = "" }, SeverityError, "steps[0].name", "must not be empty"},
		{"duplicate name", func(p *Pipeline) { p.Steps[2].Name = "a" }, SeverityError, "steps[2].name", "duplicate"},
		{"empty kind", func(p *Pipeline) { p.Steps[1].Kind = "" }, SeverityError, "steps[1].kind", "must not be empty"},
		{"unknown kind", func(p *Pipeline) { p.Steps[1].Kind = "ldap" }, SeverityWarning, "steps[1].kind", "unknown step kind"},
		{"negative copies", func(p *Pipeline) { p.Steps[0].Copies = -1 }, SeverityError, "steps[0].copies", ">= 0"},
		{"unknown hop target", func(p *Pipeline) { p.Hops[0].To = "zz" }, SeverityError, "hops[0].to", "unknown step"},
		{"self hop", func(p *Pipeline) { p.Hops[0].To = "a" }, SeverityError, "hops[0]", "cannot feed itself"},
		{"duplicate hop", func(p *Pipeline) { p.Hops = append(p.Hops, Hop{From: "a", To: "b"}) }, SeverityError, "hops[2]", "duplicate hop"},
		{"error hop without handling", func(p *Pipeline) { p.Steps[1].ErrorHandling.Enabled = false }, SeverityError, "hops[1].error", "requires"},
		{"error hop wrong target", func(p *Pipeline) { p.Steps[1].ErrorHandling.Target = "a" }, SeverityError, "hops[1].to", "declares target"},
		{"negative buffer", func(p *Pipeline) { p.Runtime.BufferSize = -1 }, SeverityError, "runtime.buffer_size", ">= 0"},
		{"missing name", func(p *Pipeline) { p.Name = "" }, SeverityWarning, "name", "empty"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := validPipeline()
			tc.mutate(&p)
			issues := ValidatePipeline(p, "generator", "convert", "dummy")
			if !hasIssue(issues, tc.sev, tc.path, tc.substr) {
				t.Fatalf("missing %s at %s (%q); got %v", tc.sev, tc.path, tc.substr, issues)
			}
		})
	}
}

func TestHasErrors(t *testing.T) {
	t.Parallel()
	if HasErrors([]Issue{{Severity: SeverityWarning}}) {
		t.Fatalf("warning counted as error")
	}
	issues := []Issue{{Severity: SeverityWarning}, {Severity: SeverityError, Path: "x", Message: "bad"}}
	if !HasErrors(issues) {
		t.Fatalf("error not detected")
	}
	if err := FirstError(issues); err == nil || !strings.Contains(err.Error(), "bad") {
		t.Fatalf("FirstError = %v", err)
	}
}
