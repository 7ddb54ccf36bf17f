package models

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestCommandResultOutputWireShape(t *testing.T) {
	structured := CommandResult{CommandID: "cmd-1", Status: "ok", Output: `{"download":245.5,"upload":32.1,"ping":12}`}
	data, err := json.Marshal(structured)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"output":{"download":245.5`) {
		t.Errorf("structured output not emitted as an object: %s", data)
	}

	plain := CommandResult{CommandID: "cmd-2", Status: "error", Output: "speedtest failed"}
	data, err = json.Marshal(plain)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"output":"speedtest failed"`) {
		t.Errorf("plain output not emitted as a string: %s", data)
	}
}

func TestCommandResultAcceptsObjectAndStringOutput(t *testing.T) {
	var object CommandResult
	if err := json.Unmarshal([]byte(`{"command_id":"cmd-1","status":"ok","output":{"download":245.5,"upload":32.1,"ping":12}}`), &object); err != nil {
		t.Fatalf("unmarshal object output: %v", err)
	}
	if object.Output != `{"download":245.5,"upload":32.1,"ping":12}` {
		t.Errorf("object output = %q", object.Output)
	}

	var text CommandResult
	if err := json.Unmarshal([]byte(`{"command_id":"cmd-2","status":"ok","output":"duplicate delivery ignored"}`), &text); err != nil {
		t.Fatalf("unmarshal string output: %v", err)
	}
	if text.Output != "duplicate delivery ignored" {
		t.Errorf("string output = %q", text.Output)
	}

	var empty CommandResult
	if err := json.Unmarshal([]byte(`{"command_id":"cmd-3","status":"ok"}`), &empty); err != nil {
		t.Fatalf("unmarshal without output: %v", err)
	}
	if empty.Output != "" {
		t.Errorf("missing output = %q, want empty", empty.Output)
	}
}
