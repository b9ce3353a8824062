package definition

import (
	"testing"
)

func TestLoader_LoadFile(t *testing.T) {
	l := NewLoader()
	def, err := l.LoadFile("testdata/sequences/outreach.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if def.Key != "account-outreach" {
		t.Errorf("Key = %q, want account-outreach", def.Key)
	}
	if def.TokenBudget != 20000 || def.TimeBudget != "15m" {
		t.Errorf("budgets = %d / %q", def.TokenBudget, def.TimeBudget)
	}
	if len(def.Steps) != 4 {
		t.Fatalf("Steps = %d, want 4", len(def.Steps))
	}
	if def.Steps[1].ParallelGroup != "enrich" || !def.Steps[1].IsParallel() {
		t.Errorf("Steps[1] = %+v, want parallel in group enrich", def.Steps[1])
	}
	if def.Steps[0].InputMapping["company_id"] != "${trigger.company_id}" {
		t.Errorf("InputMapping = %v", def.Steps[0].InputMapping)
	}
	gate := def.Steps[3].HITLAfter
	if gate == nil {
		t.Fatal("Steps[3].HITLAfter is nil")
	}
	if len(gate.Options) != 2 || gate.Options[0].Value != "send" {
		t.Errorf("Options = %+v", gate.Options)
	}
	if gate.TimeoutMinutes != 120 || gate.TimeoutAction != "stop" {
		t.Errorf("timeout = %d / %q", gate.TimeoutMinutes, gate.TimeoutAction)
	}
	if def.Checksum == "" {
		t.Error("Checksum should not be empty")
	}
	if def.SourceFile != "testdata/sequences/outreach.yaml" {
		t.Errorf("SourceFile = %q", def.SourceFile)
	}
}

func TestLoader_LoadFile_not_found(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadFile("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("LoadFile() with missing file should return error")
	}
}

func TestLoader_LoadFile_invalid_yaml(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadFile("testdata/invalid/bad.yaml")
	if err == nil {
		t.Fatal("LoadFile() with invalid YAML should return error")
	}
}

func TestLoader_LoadFile_unknown_field(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadFile("testdata/invalid/unknown_field.yaml")
	if err == nil {
		t.Fatal("LoadFile() with a misspelled field should return error")
	}
}

func TestParse_empty(t *testing.T) {
	if _, err := Parse(nil); err == nil {
		t.Fatal("Parse(nil) should return error")
	}
}

func TestLoader_LoadAll(t *testing.T) {
	l := NewLoader()
	defs, err := l.LoadAll([]string{"testdata/sequences"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("LoadAll() returned %d definitions, want 1", len(defs))
	}
	if defs[0].Key != "account-outreach" {
		t.Errorf("Key = %q, want account-outreach", defs[0].Key)
	}
}

func TestLoader_LoadAll_invalid_dir(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadAll([]string{"testdata/nonexistent"})
	if err == nil {
		t.Fatal("LoadAll() with missing directory should return error")
	}
}

func TestLoader_LoadAll_invalid_yaml(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadAll([]string{"testdata/invalid"})
	if err == nil {
		t.Fatal("LoadAll() with invalid YAML should return error")
	}
}

func TestLoader_Checksum_deterministic(t *testing.T) {
	l := NewLoader()
	def1, _ := l.LoadFile("testdata/sequences/outreach.yaml")
	def2, _ := l.LoadFile("testdata/sequences/outreach.yaml")
	if def1.Checksum != def2.Checksum {
		t.Error("Checksum should be deterministic")
	}
}
