package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/fleetforge/fleetforge/internal/domain"
)

func writeTempFirmware(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "firmware.bin")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write firmware: %v", err)
	}
	return path
}

func TestImportBinaryStoresAndReopens(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	content := []byte("firmware bytes")
	src := writeTempFirmware(t, content)

	name, size, err := store.ImportBinary("build-1", src)
	if err != nil {
		t.Fatalf("ImportBinary: %v", err)
	}
	if name != "build-1.bin" {
		t.Fatalf("unexpected artifact name %q", name)
	}
	if size != int64(len(content)) {
		t.Fatalf("unexpected size %d", size)
	}

	f, info, err := store.OpenBinary("build-1")
	if err != nil {
		t.Fatalf("OpenBinary: %v", err)
	}
	defer f.Close()
	if info.Size() != int64(len(content)) {
		t.Fatalf("reopened size mismatch: %d", info.Size())
	}
}

func TestImportBinaryRefusesOverwrite(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	src := writeTempFirmware(t, []byte("v1"))
	if _, _, err := store.ImportBinary("build-1", src); err != nil {
		t.Fatalf("first import: %v", err)
	}
	if _, _, err := store.ImportBinary("build-1", src); err == nil {
		t.Fatal("expected second import of same build to fail")
	}
}

func TestManifestRoundtrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	manifest := &domain.Manifest{
		BuildID:            "build-1",
		Version:            "2.0.0",
		BoardType:          "ESP32",
		ArtifactFile:       "build-1.bin",
		ArtifactSize:       2,
		ArtifactHashSHA256: "abcd",
		BuiltAt:            "2026-08-30T12:00:00Z",
		Signature:          "sig",
	}
	name, err := store.WriteManifest("build-1", manifest)
	if err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}
	if name != "build-1_manifest.json" {
		t.Fatalf("unexpected manifest name %q", name)
	}

	loaded, err := store.ReadManifest("build-1")
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if *loaded != *manifest {
		t.Fatalf("manifest mismatch: %+v vs %+v", loaded, manifest)
	}
}

func TestHashFileMatchesSHA256(t *testing.T) {
	content := make([]byte, 20000) // larger than one hashing chunk
	for i := range content {
		content[i] = byte(i % 251)
	}
	path := writeTempFirmware(t, content)

	got, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	sum := sha256.Sum256(content)
	if want := hex.EncodeToString(sum[:]); got != want {
		t.Fatalf("hash mismatch: got %s want %s", got, want)
	}
}
