package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestVersionCmd(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "lectern dev") {
		t.Errorf("version output = %q", out)
	}
	if !strings.Contains(out, "commit: none") {
		t.Errorf("expected commit info, got: %s", out)
	}
}

func TestRootCmd_ListsSubcommands(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("root --help failed: %v", err)
	}
	out := buf.String()
	for _, sub := range []string{"serve", "inject", "status", "logs", "walkie", "version"} {
		if !strings.Contains(out, sub) {
			t.Errorf("root help should list %q subcommand, got: %s", sub, out)
		}
	}
}

func TestExecute_UnknownCommand(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"definitely-not-a-command"})

	if code := execute(cmd); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}
