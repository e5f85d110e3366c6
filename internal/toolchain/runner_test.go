package toolchain

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func fakeCommand(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-pio")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write fake command: %v", err)
	}
	return path
}

func TestRunStreamsLinesInOrder(t *testing.T) {
	runner := NewRunner(fakeCommand(t, `echo first
echo second
echo third`))

	var lines []string
	err := runner.Run(context.Background(), t.TempDir(), "esp32c3", func(line string) {
		lines = append(lines, line)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"first", "second", "third"}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d", len(lines), len(want))
	}
	for i, w := range want {
		if lines[i] != w {
			t.Fatalf("line %d = %q, want %q", i, lines[i], w)
		}
	}
}

func TestRunSurfacesOversizedOutputLine(t *testing.T) {
	// One line well past the scanner's 256KB cap, then a clean exit. The
	// failure must point at the output stream, not at the exit status.
	runner := NewRunner(fakeCommand(t, `head -c 300000 /dev/zero | tr '\0' 'x'
echo
exit 0`))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	err := runner.Run(ctx, t.TempDir(), "esp32c3", func(string) {})
	if err == nil {
		t.Fatal("expected an error for an oversized output line")
	}
	if !errors.Is(err, bufio.ErrTooLong) {
		t.Fatalf("expected a scanner buffer error, got %v", err)
	}
}

func TestRunReportsContextDeadline(t *testing.T) {
	runner := NewRunner(fakeCommand(t, `echo started
sleep 30`))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := runner.Run(ctx, t.TempDir(), "esp32c3", func(string) {})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}
