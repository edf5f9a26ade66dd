package extraction

import (
	"bytes"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"

	apperrors "check-reconciliation-service/pkg/errors"
)

// DefaultMaxDimension is the longest side sent to a vision model
const DefaultMaxDimension = 1600

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
}

// Preprocessor decodes, orients, downsizes and re-encodes check scans
type Preprocessor struct {
	MaxDimension int
}

// NewPreprocessor creates a preprocessor; a non-positive size uses the default
func NewPreprocessor(maxDimension int) *Preprocessor {
	if maxDimension <= 0 {
		maxDimension = DefaultMaxDimension
	}
	return &Preprocessor{MaxDimension: maxDimension}
}

// Load reads the scan at path and returns it as a PNG no larger than
// MaxDimension on either side.
func (p *Preprocessor) Load(path string) (Image, error) {
	return p.load(path, false)
}

// LoadEnhanced is Load plus grayscale, contrast and sharpening, which makes
// handwritten digits easier to read on a second pass.
func (p *Preprocessor) LoadEnhanced(path string) (Image, error) {
	return p.load(path, true)
}

func (p *Preprocessor) load(path string, enhance bool) (Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Image{}, apperrors.FileError(apperrors.CodeFileNotFound, path, err)
		}
		return Image{}, apperrors.FileError(apperrors.CodeFilePermission, path, err)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return Image{}, apperrors.ExtractionError(apperrors.CodeImageUnreadable, filepath.Base(path), err)
	}

	img = p.resize(img)
	if enhance {
		img = imaging.Grayscale(img)
		img = imaging.AdjustContrast(img, 25)
		img = imaging.Sharpen(img, 1.5)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return Image{}, apperrors.ExtractionError(apperrors.CodeImageUnreadable, filepath.Base(path), err)
	}

	return Image{Path: path, Data: buf.Bytes(), MIMEType: "image/png"}, nil
}

func (p *Preprocessor) resize(img image.Image) image.Image {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= p.MaxDimension && height <= p.MaxDimension {
		return img
	}
	if width >= height {
		return imaging.Resize(img, p.MaxDimension, 0, imaging.Lanczos)
	}
	return imaging.Resize(img, 0, p.MaxDimension, imaging.Lanczos)
}

// ListImages returns the check scans in dir sorted by file name. The order
// is the processing order for the whole run.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, apperrors.FileError(apperrors.CodeDirectoryError, dir, err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if imageExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}
