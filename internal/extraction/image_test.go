package extraction

import (
	"bytes"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"

	apperrors "check-reconciliation-service/pkg/errors"
)

func writeScan(t *testing.T, dir, name string, width, height int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	img := imaging.New(width, height, color.White)
	if err := imaging.Save(img, path); err != nil {
		t.Fatalf("failed to write scan: %v", err)
	}
	return path
}

func TestPreprocessorDownscales(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name           string
		width, height  int
		expectedWidth  int
		expectedHeight int
	}{
		{"landscape.jpg", 3200, 1400, 1600, 700},
		{"portrait.png", 1000, 2000, 800, 1600},
		{"small.png", 800, 400, 800, 400},
	}

	p := NewPreprocessor(0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeScan(t, dir, tt.name, tt.width, tt.height)

			img, err := p.Load(path)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if img.MIMEType != "image/png" || img.Name() != tt.name {
				t.Errorf("unexpected image metadata %s %s", img.MIMEType, img.Name())
			}

			decoded, err := imaging.Decode(bytes.NewReader(img.Data))
			if err != nil {
				t.Fatalf("output is not a decodable image: %v", err)
			}
			bounds := decoded.Bounds()
			if bounds.Dx() != tt.expectedWidth || bounds.Dy() != tt.expectedHeight {
				t.Errorf("expected %dx%d, got %dx%d", tt.expectedWidth, tt.expectedHeight, bounds.Dx(), bounds.Dy())
			}
		})
	}
}

func TestPreprocessorEnhanced(t *testing.T) {
	path := writeScan(t, t.TempDir(), "check.png", 400, 200)

	img, err := NewPreprocessor(1600).LoadEnhanced(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(img.Data) == 0 {
		t.Error("expected image data")
	}
}

func TestPreprocessorErrors(t *testing.T) {
	dir := t.TempDir()
	p := NewPreprocessor(1600)

	if _, err := p.Load(filepath.Join(dir, "missing.png")); !apperrors.HasCategory(err, apperrors.CategoryFile) {
		t.Errorf("expected file error, got %v", err)
	}

	garbage := filepath.Join(dir, "garbage.png")
	if err := os.WriteFile(garbage, []byte("not an image"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := p.Load(garbage)
	re, ok := apperrors.AsReconcilerError(err)
	if !ok || re.Code != apperrors.CodeImageUnreadable {
		t.Errorf("expected image_unreadable, got %v", err)
	}
}

func TestListImages(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.PNG", "a.jpg", "notes.txt", ".hidden.png", "c.tiff"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.png"), 0o755); err != nil {
		t.Fatal(err)
	}

	paths, err := ListImages(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []string{"a.jpg", "b.PNG", "c.tiff"}
	if len(paths) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, paths)
	}
	for i, name := range expected {
		if filepath.Base(paths[i]) != name {
			t.Errorf("position %d: expected %s, got %s", i, name, paths[i])
		}
	}

	if _, err := ListImages(filepath.Join(dir, "nope")); !apperrors.HasCategory(err, apperrors.CategoryFile) {
		t.Errorf("expected directory error, got %v", err)
	}
}
