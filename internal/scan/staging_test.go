package scan

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestStageConcurrentUploadsDoNotCollide(t *testing.T) {
	stager, err := NewStager(t.TempDir())
	if err != nil {
		t.Fatalf("new stager: %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	paths := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			img, err := stager.Stage(strings.NewReader("same-name"), "card.png", "image/png")
			if err != nil {
				errs[i] = err
				return
			}
			paths[i] = img.Path
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("stage %d: %v", i, errs[i])
		}
		if seen[paths[i]] {
			t.Fatalf("duplicate staging path %s", paths[i])
		}
		seen[paths[i]] = true
	}
}

func TestStageExtensionFallsBackToMIME(t *testing.T) {
	stager, err := NewStager(t.TempDir())
	if err != nil {
		t.Fatalf("new stager: %v", err)
	}
	img, err := stager.Stage(strings.NewReader("x"), "../../etc/passwd", "image/png")
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	defer img.Release()
	if filepath.Dir(filepath.Dir(img.Path)) != stager.Dir() {
		t.Fatalf("staged outside staging dir: %s", img.Path)
	}
	if filepath.Ext(img.Path) != ".png" {
		t.Fatalf("expected .png extension, got %s", img.Path)
	}
	if img.Filename != "passwd" {
		t.Fatalf("filename not reduced to base name: %s", img.Filename)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	stager, err := NewStager(t.TempDir())
	if err != nil {
		t.Fatalf("new stager: %v", err)
	}
	img, err := stager.Stage(strings.NewReader("x"), "card.jpg", "image/jpeg")
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := img.Release(); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := img.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
	var nilImage *StagedImage
	if err := nilImage.Release(); err != nil {
		t.Fatalf("nil release: %v", err)
	}
}

func TestSweepRemovesOnlyStaleEntries(t *testing.T) {
	stager, err := NewStager(t.TempDir())
	if err != nil {
		t.Fatalf("new stager: %v", err)
	}
	stale, err := stager.Stage(strings.NewReader("old"), "old.png", "image/png")
	if err != nil {
		t.Fatalf("stage stale: %v", err)
	}
	fresh, err := stager.Stage(strings.NewReader("new"), "new.png", "image/png")
	if err != nil {
		t.Fatalf("stage fresh: %v", err)
	}
	defer fresh.Release()

	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(filepath.Dir(stale.Path), old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	removed, err := stager.Sweep(time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed entry, got %d", removed)
	}
	if _, err := os.Stat(stale.Path); !os.IsNotExist(err) {
		t.Fatalf("stale entry still present")
	}
	if _, err := os.Stat(fresh.Path); err != nil {
		t.Fatalf("fresh entry removed: %v", err)
	}
}
