package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/leapstack-labs/fieldflow/internal/cli"
)

func TestVersionCommand(t *testing.T) {
	cmd := cli.NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(buf.String(), "fieldflow v"+cli.Version) {
		t.Errorf("unexpected version output: %s", buf.String())
	}
}

func TestHelpListsCommands(t *testing.T) {
	cmd := cli.NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("help failed: %v", err)
	}
	for _, name := range []string{"explain", "normalize", "worker", "deadletter"} {
		if !strings.Contains(buf.String(), name) {
			t.Errorf("help should list %q", name)
		}
	}
}
