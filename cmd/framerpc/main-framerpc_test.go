// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/outrigdev/framerpc/pkg/config"
)

func TestParseCallArgs(t *testing.T) {
	got := parseCallArgs([]string{"2", `{"a":1}`, "hello", `"quoted"`, "true"})
	want := []any{2.0, map[string]any{"a": 1.0}, "hello", "quoted", true}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestFormatResult(t *testing.T) {
	tests := []struct {
		name string
		val  any
		want string
	}{
		{"undefined", nil, "undefined"},
		{"number", json.RawMessage("5"), "5"},
		{"object", json.RawMessage(`{"a":1}`), "{\n  \"a\": 1\n}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := formatResult(tt.val)
			if err != nil || got != tt.want {
				t.Errorf("Expected %q, got %q (err %v)", tt.want, got, err)
			}
		})
	}
}

func TestCallAllowList(t *testing.T) {
	cfg := &config.Config{}
	cfg.Guest.Methods = []string{"add"}
	got := callAllowList(cfg, "custom")
	if !reflect.DeepEqual(got, []string{"add", "custom"}) {
		t.Errorf("unexpected allow-list %v", got)
	}
	if len(cfg.Guest.Methods) != 1 {
		t.Error("callAllowList must not modify the config")
	}
}
