package synth

import (
	"errors"
	"strings"
	"testing"

	"github.com/maestroframework/maestro/core"
)

const validAgentSource = `import logging
import time

from agent_runtime import BaseAgent


class TestAgent(BaseAgent):
    def __init__(self, config=None):
        super().__init__(config)
        self.name = "Test Agent"
        self.version = "1.0.0"
        self.capabilities = ["task_automation"]
        self.config = config or {}

    def initialize(self):
        if getattr(self, "_ready", False):
            return
        self._ready = True

    def execute(self):
        self.initialize()
        return {"status": "ok"}

    def cleanup(self):
        self._ready = False
`

func TestValidate_AcceptsWellFormedSource(t *testing.T) {
	if err := Validate(validAgentSource); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestValidate_ForbiddenPatterns(t *testing.T) {
	tests := []struct {
		name    string
		snippet string
	}{
		{"subprocess", `result = subprocess.run(["ls"])`},
		{"eval", `value = eval(user_input)`},
		{"exec", `exec(payload)`},
		{"os.system", `os.system("rm -rf /tmp/x")`},
		{"os.popen", `out = os.popen("whoami").read()`},
		{"write-mode open", `f = open("/tmp/out.txt", "w")`},
		{"append-mode open", `f = open("log.txt", 'a')`},
		{"globals", `g = globals()`},
		{"compile", `code = compile(src, "<s>", "exec")`},
		{"dunder import", `mod = __import__("os")`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := strings.Replace(validAgentSource,
				`return {"status": "ok"}`,
				tt.snippet+"\n        return {}", 1)
			err := Validate(source)
			if err == nil {
				t.Fatal("Validate() = nil, want forbidden-operation error")
			}
			if !errors.Is(err, core.ErrForbiddenOperation) {
				t.Errorf("error = %v, want ErrForbiddenOperation", err)
			}
			if !strings.Contains(err.Error(), "Forbidden operation") {
				t.Errorf("error %q does not name the forbidden operation", err)
			}
		})
	}
}

func TestValidate_ReadModeOpenAllowed(t *testing.T) {
	source := strings.Replace(validAgentSource,
		`return {"status": "ok"}`,
		`data = open("config.json", "r").read()
        return {"data": data}`, 1)
	if err := Validate(source); err != nil {
		t.Errorf("Validate() error = %v, read-mode open should pass", err)
	}
}

func TestValidate_ImportAllowlist(t *testing.T) {
	tests := []struct {
		line    string
		wantErr bool
	}{
		{"import json", false},
		{"import datetime.timezone", false},
		{"from collections import defaultdict", false},
		{"import requests", false},
		{"import socket", true},
		{"import os", true},
		{"from os import path", true},
		{"import pickle", true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			source := tt.line + "\n" + validAgentSource
			err := Validate(source)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_RequiredMethods(t *testing.T) {
	for _, method := range []string{"__init__", "initialize", "execute", "cleanup"} {
		t.Run("missing "+method, func(t *testing.T) {
			source := strings.Replace(validAgentSource, "def "+method, "def renamed_"+method, 1)
			err := Validate(source)
			if err == nil || !strings.Contains(err.Error(), method) {
				t.Errorf("Validate() error = %v, want mention of %s", err, method)
			}
		})
	}
}

func TestValidate_EmptyMethodBodyRejected(t *testing.T) {
	source := strings.Replace(validAgentSource,
		`    def cleanup(self):
        self._ready = False`,
		`    def cleanup(self):
        pass`, 1)
	err := Validate(source)
	if err == nil || !strings.Contains(err.Error(), "cleanup") {
		t.Errorf("Validate() error = %v, want empty-body rejection for cleanup", err)
	}
}

func TestValidate_BaseClassRequired(t *testing.T) {
	source := strings.Replace(validAgentSource, "class TestAgent(BaseAgent):", "class TestAgent:", 1)
	source = strings.Replace(source, "        super().__init__(config)\n", "", 1)
	if err := Validate(source); err == nil {
		t.Error("Validate() = nil for class without base")
	}
}

func TestValidate_TruncationDetected(t *testing.T) {
	tests := []struct {
		name   string
		source string
	}{
		{"ends mid-def", validAgentSource + "\n    def extra(self):"},
		{"unbalanced paren", strings.Replace(validAgentSource, `return {"status": "ok"}`, `return self.call(`, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Validate(tt.source); err == nil {
				t.Error("Validate() = nil for truncated source")
			}
		})
	}
}

func TestValidate_NonASCIILiteralsTolerated(t *testing.T) {
	source := strings.Replace(validAgentSource,
		`return {"status": "ok"}`,
		`return {"status": "ok", "note": "résumé ✓ 日本語"}`, 1)
	if err := Validate(source); err != nil {
		t.Errorf("Validate() error = %v, non-ASCII literals should pass", err)
	}
}

func TestValidate_BracketsInStringsIgnored(t *testing.T) {
	source := strings.Replace(validAgentSource,
		`return {"status": "ok"}`,
		`return {"status": "((unbalanced in string"}`, 1)
	if err := Validate(source); err != nil {
		t.Errorf("Validate() error = %v, brackets inside strings should not count", err)
	}
}

func TestValidate_EmptySource(t *testing.T) {
	if err := Validate("   \n  "); err == nil {
		t.Error("Validate() = nil for empty source")
	}
}

func TestStripCodeFences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare source", "import json", "import json"},
		{"plain fence", "```\nimport json\n```", "import json"},
		{"python fence", "```python\nimport json\n```", "import json"},
		{"leading prose trimmed by fence", "```python\nx = 1\n```", "x = 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripCodeFences(tt.in); got != tt.want {
				t.Errorf("StripCodeFences() = %q, want %q", got, tt.want)
			}
		})
	}
}
