package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestModelsCommandListsCatalog(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"models"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) < 2 || !strings.HasPrefix(lines[0], "ID") {
		t.Fatalf("output = %q", out.String())
	}
	defaults := 0
	for _, line := range lines[1:] {
		if strings.HasSuffix(strings.TrimSpace(line), "*") {
			defaults++
		}
	}
	if defaults != 1 {
		t.Fatalf("default markers = %d, want 1\n%s", defaults, out.String())
	}
}

func TestCommandsRejectMemoryStore(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("QUEUE_BACKEND", "memory")
	t.Setenv("STORAGE_BACKEND", "filesystem")
	t.Setenv("JWT_SECRET", "test-secret")
	cases := [][]string{
		{"credits", "balance", "--account", "acct-1"},
		{"migrate"},
		{"provider", "set-key", "--key", "k"},
	}
	for _, args := range cases {
		cmd := newRootCmd()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs(args)
		err := cmd.Execute()
		if err == nil || !strings.Contains(err.Error(), "STORE_BACKEND=postgres") {
			t.Fatalf("%v: err = %v, want postgres requirement", args, err)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out.String(), "genctl: dev") {
		t.Fatalf("output = %q", out.String())
	}
}
