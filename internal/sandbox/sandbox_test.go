package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestSanitizeExecutable(t *testing.T) {
	valid := []string{"ls", "python3", "my-tool_v2", "./bin/runner", "/usr/bin/env", "~/tools/x"}
	for _, v := range valid {
		if _, err := SanitizeExecutable(v); err != nil {
			t.Errorf("SanitizeExecutable(%q) = %v, want nil", v, err)
		}
	}

	invalid := map[string]error{
		"":              ErrEmptyValue,
		"  ":            ErrEmptyValue,
		"ls; rm -rf /":  ErrShellMetachar,
		"cat\nfile":     ErrControlChar,
		`echo "hi"`:     ErrQuoteChar,
		"-rf":           ErrOptionInjection,
		"tool$(whoami)": ErrShellMetachar,
	}
	for v, want := range invalid {
		if _, err := SanitizeExecutable(v); err != want {
			t.Errorf("SanitizeExecutable(%q) = %v, want %v", v, err, want)
		}
	}
}

func TestLocalManagerLifecycle(t *testing.T) {
	m := NewLocalManager()
	if m.IsAvailable() {
		t.Error("manager available before Initialize")
	}
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	if !m.IsAvailable() {
		t.Error("manager not available after Initialize")
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if m.IsAvailable() {
		t.Error("manager available after Shutdown")
	}
	if err := m.Initialize(context.Background()); err == nil {
		t.Error("Initialize after Shutdown should fail")
	}
}

func TestLocalManagerCommand(t *testing.T) {
	m := NewLocalManager()
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	resp, err := m.Execute(context.Background(), &Request{
		Command: "echo",
		Args:    []string{"hello"},
	}, &Descriptor{Kind: KindCommand})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if strings.TrimSpace(resp.Stdout) != "hello" {
		t.Errorf("stdout = %q", resp.Stdout)
	}
	if resp.ExitCode != 0 || resp.TimedOut {
		t.Errorf("exit=%d timedOut=%v", resp.ExitCode, resp.TimedOut)
	}
	if resp.Duration <= 0 {
		t.Error("duration not recorded")
	}
}

func TestLocalManagerModuleStdin(t *testing.T) {
	m := NewLocalManager()
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	resp, err := m.Execute(context.Background(), &Request{
		Stdin: []byte(`{"q":"ping"}`),
	}, &Descriptor{Kind: KindModule, Module: "cat"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Stdout != `{"q":"ping"}` {
		t.Errorf("stdout = %q", resp.Stdout)
	}
}

func TestLocalManagerNonZeroExit(t *testing.T) {
	m := NewLocalManager()
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	resp, err := m.Execute(context.Background(), &Request{
		Command: "sh",
		Args:    []string{"-c", "exit 3"},
	}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", resp.ExitCode)
	}
}

func TestLocalManagerTimeout(t *testing.T) {
	m := NewLocalManager()
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	resp, err := m.Execute(context.Background(), &Request{
		Command: "sleep",
		Args:    []string{"5"},
		Timeout: 50 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !resp.TimedOut {
		t.Error("expected TimedOut")
	}
}

func TestLocalManagerRejectsUnsafeCommand(t *testing.T) {
	m := NewLocalManager()
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Execute(context.Background(), &Request{Command: "ls; whoami"}, nil); err == nil {
		t.Error("expected rejection of shell metacharacters")
	}
}
