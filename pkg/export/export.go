// Package export serializes annotation sessions to the COCO JSON and PASCAL
// VOC XML interchange formats, and reads both back.
package export

import (
	"fmt"
	"os"
	"strings"

	"github.com/tmarkov/annotator/pkg/annotation"
)

// Format is an annotation interchange format.
type Format string

const (
	FormatCOCO Format = "coco"
	FormatVOC  Format = "voc"
)

// ParseFormat accepts the names users actually type for the two formats.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "coco":
		return FormatCOCO, nil
	case "voc", "pascal voc", "pascal-voc", "pascal_voc":
		return FormatVOC, nil
	default:
		return "", fmt.Errorf("unsupported format: %s", s)
	}
}

// Save writes the sessions' annotations to outputDir in the given format.
// COCO produces a single annotations.json; VOC produces one XML per image
// under an Annotations/ subdirectory.
func Save(sessions []annotation.Session, format Format, outputDir string) error {
	if err := validate(sessions); err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	switch format {
	case FormatCOCO:
		return saveCOCO(sessions, outputDir)
	case FormatVOC:
		return saveVOC(sessions, outputDir)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

// Load reads annotations back from an exported file (COCO) or directory of
// XML files (VOC).
func Load(path string, format Format) ([]annotation.Session, error) {
	switch format {
	case FormatCOCO:
		return loadCOCO(path)
	case FormatVOC:
		return loadVOC(path)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

// Convert reads annotations in one format and writes them in another.
func Convert(inputPath string, inputFormat Format, outputDir string, outputFormat Format) error {
	sessions, err := Load(inputPath, inputFormat)
	if err != nil {
		return fmt.Errorf("failed to load annotations: %w", err)
	}
	return Save(sessions, outputFormat, outputDir)
}

// validate enforces the export-time invariants: no empty labels, no
// degenerate boxes.
func validate(sessions []annotation.Session) error {
	for _, session := range sessions {
		for i, ann := range session.Annotations {
			if strings.TrimSpace(ann.Label) == "" {
				return fmt.Errorf("%s: annotation %d has an empty label", session.ImagePath, i)
			}
			if ann.Box.Empty() {
				return fmt.Errorf("%s: annotation %d (%s) has a degenerate box", session.ImagePath, i, ann.Label)
			}
		}
	}
	return nil
}
