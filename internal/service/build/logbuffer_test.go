package build

import (
	"fmt"
	"testing"
)

func TestLogBufferEvictsOldestAtCapacity(t *testing.T) {
	buf := newLogBuffer(5)
	for i := 0; i < 8; i++ {
		buf.Append(fmt.Sprintf("line-%d", i))
	}

	snapshot := buf.Snapshot()
	if len(snapshot) != 5 {
		t.Fatalf("expected 5 lines, got %d", len(snapshot))
	}
	if snapshot[0] != "line-3" {
		t.Fatalf("expected oldest surviving line to be line-3, got %q", snapshot[0])
	}
	if snapshot[4] != "line-7" {
		t.Fatalf("expected newest line to be line-7, got %q", snapshot[4])
	}
}

func TestLogBufferSnapshotIsIsolated(t *testing.T) {
	buf := newLogBuffer(10)
	buf.Append("first")
	snapshot := buf.Snapshot()
	buf.Append("second")

	if len(snapshot) != 1 {
		t.Fatalf("snapshot changed after append: %v", snapshot)
	}
	snapshot[0] = "mutated"
	if buf.Snapshot()[0] != "first" {
		t.Fatalf("mutating a snapshot leaked into the buffer")
	}
}

func TestDefaultFilterKeepsInterestingLines(t *testing.T) {
	kept := []string{
		"Compiling .pio/build/esp32c3/src/main.o",
		"Linking .pio/build/esp32c3/firmware.elf",
		"RAM:   [==        ]  15.2% (used 49836 bytes from 327680 bytes)",
		"Flash: [===       ]  25.9% (used 271542 bytes from 1048576 bytes)",
		"src/main.c:4:1: error: unknown type name 'foo'",
		"[SUCCESS] Took 12.34 seconds",
		"Retrieving maximum program size .pio/build/esp32c3/firmware.elf",
		"esptool.py v4.5.1",
		"Advanced Memory Usage is available via 45% report",
	}
	for _, line := range kept {
		if !DefaultFilter(line) {
			t.Fatalf("expected line to be kept: %q", line)
		}
	}

	dropped := []string{
		"",
		"   ",
		"Processing esp32c3 (platform: espressif32)",
		"CONFIGURATION: https://docs.example.org/boards",
	}
	for _, line := range dropped {
		if DefaultFilter(line) {
			t.Fatalf("expected line to be dropped: %q", line)
		}
	}
}
