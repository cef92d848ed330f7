package lua

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTransformReshapesPayload(t *testing.T) {
	script, err := Compile("enrich.lua", `
function transform(p)
  return {
    user = p.user.name,
    total = p.amount * 2,
    tags = { "a", "b" },
    flagged = p.amount > 10
  }
end
`)
	if err != nil {
		t.Fatal(err)
	}

	out, err := script.Transform(context.Background(), map[string]any{
		"user":   map[string]any{"name": "ada"},
		"amount": 12,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out["user"] != "ada" || out["total"] != 24.0 || out["flagged"] != true {
		t.Errorf("out = %v", out)
	}
	tags, ok := out["tags"].([]any)
	if !ok || len(tags) != 2 || tags[0] != "a" {
		t.Errorf("tags = %#v", out["tags"])
	}
}

func TestConditionTruthiness(t *testing.T) {
	script, err := Compile("cond.lua", `function condition(p) return p.priority == "high" end`)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if ok, err := script.Condition(ctx, map[string]any{"priority": "high"}); err != nil || !ok {
		t.Errorf("high: ok=%v err=%v", ok, err)
	}
	if ok, err := script.Condition(ctx, map[string]any{"priority": "low"}); err != nil || ok {
		t.Errorf("low: ok=%v err=%v", ok, err)
	}
}

func TestCompileSyntaxError(t *testing.T) {
	if _, err := Compile("bad.lua", "function transform(p) return {"); err == nil {
		t.Fatal("expected syntax error")
	}
}

func TestMissingFunction(t *testing.T) {
	script, err := Compile("only_cond.lua", `function condition(p) return true end`)
	if err != nil {
		t.Fatal(err)
	}
	if script.Defines("transform") {
		t.Error("transform should not be defined")
	}
	if !script.Defines("condition") {
		t.Error("condition should be defined")
	}
	if _, err := script.Transform(context.Background(), nil); err == nil {
		t.Error("expected error for missing transform()")
	}
}

func TestTransformWrongReturnType(t *testing.T) {
	script, _ := Compile("str.lua", `function transform(p) return "nope" end`)
	if _, err := script.Transform(context.Background(), map[string]any{}); err == nil {
		t.Error("expected error for string return")
	}
}

func TestRuntimeErrorSurfaces(t *testing.T) {
	script, _ := Compile("err.lua", `function transform(p) error("bad payload") end`)
	if _, err := script.Transform(context.Background(), map[string]any{}); err == nil {
		t.Error("expected runtime error")
	}
}

func TestContextCancelStopsScript(t *testing.T) {
	script, _ := Compile("loop.lua", `function transform(p) while true do end end`)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := script.Transform(ctx, map[string]any{}); err == nil {
		t.Error("expected cancellation error")
	}
}

func TestLoadFileAndGetenv(t *testing.T) {
	t.Setenv("RELAY_REGION", "eu")
	dir := t.TempDir()
	path := filepath.Join(dir, "region.lua")
	src := `
local os = require("os")
function transform(p)
  p.region = os.getenv("RELAY_REGION")
  return p
end
`
	if err := os.WriteFile(path, []byte(src), 0600); err != nil {
		t.Fatal(err)
	}
	script, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if script.Name != "region.lua" {
		t.Errorf("name = %q", script.Name)
	}
	out, err := script.Transform(context.Background(), map[string]any{"id": "x"})
	if err != nil {
		t.Fatal(err)
	}
	if out["region"] != "eu" || out["id"] != "x" {
		t.Errorf("out = %v", out)
	}
}
