package avfs

import (
	"encoding/binary"
	"testing"
)

func TestMountDataLayout(t *testing.T) {
	// struct coda_mount_data { int version; int fd; }
	if size := binary.Size(mountData{}); size != 8 {
		t.Errorf("expected 8 bytes, got %d", size)
	}

	if codaMountVersion != 1 {
		t.Errorf("expected version 1, got %d", codaMountVersion)
	}
}

func TestMountBadDevice(t *testing.T) {
	_, err := Mount("/nonexistent/cfs0", t.TempDir(), &DispatcherConfig{})
	if err == nil {
		t.Fatalf("expected an error")
	}
}
