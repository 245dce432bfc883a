package main

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestRun_DefaultsToServer(t *testing.T) {
	called := false
	orig := startServer
	startServer = func(stdout, stderr io.Writer) int {
		called = true
		return 0
	}
	defer func() { startServer = orig }()

	if code := Run([]string{"warden"}, io.Discard, io.Discard); code != 0 {
		t.Fatalf("Run returned %d, want 0", code)
	}
	if !called {
		t.Fatal("expected server to start with no arguments")
	}
}

func TestRun_Help(t *testing.T) {
	var out bytes.Buffer
	if code := Run([]string{"warden", "help"}, &out, io.Discard); code != 0 {
		t.Fatalf("Run returned %d, want 0", code)
	}
	for _, want := range []string{"server", "trust", "verify-ledger", "export-evidence"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("usage output missing %q", want)
		}
	}
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if code := Run([]string{"warden", "version"}, &out, io.Discard); code != 0 {
		t.Fatalf("Run returned %d, want 0", code)
	}
	if !strings.Contains(out.String(), "warden") {
		t.Errorf("version output = %q", out.String())
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	var errOut bytes.Buffer
	if code := Run([]string{"warden", "bogus"}, io.Discard, &errOut); code != 2 {
		t.Fatalf("Run returned %d, want 2", code)
	}
	if !strings.Contains(errOut.String(), "Unknown command") {
		t.Errorf("stderr = %q", errOut.String())
	}
}

func TestRun_FlagsFallThroughToServer(t *testing.T) {
	called := false
	orig := startServer
	startServer = func(stdout, stderr io.Writer) int {
		called = true
		return 0
	}
	defer func() { startServer = orig }()

	if code := Run([]string{"warden", "--port=9090"}, io.Discard, io.Discard); code != 0 {
		t.Fatalf("Run returned %d, want 0", code)
	}
	if !called {
		t.Fatal("expected flag-style argument to start the server")
	}
}

func TestRun_TrustRequiresSubcommand(t *testing.T) {
	var errOut bytes.Buffer
	if code := Run([]string{"warden", "trust"}, io.Discard, &errOut); code != 2 {
		t.Fatalf("Run returned %d, want 2", code)
	}
	if !strings.Contains(errOut.String(), "Usage: warden trust") {
		t.Errorf("stderr = %q", errOut.String())
	}
}
