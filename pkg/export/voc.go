package export

import (
	"encoding/xml"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/tmarkov/annotator/pkg/annotation"
	"github.com/tmarkov/annotator/pkg/types"
)

// VOCDirName is the subdirectory Save writes the per-image XML files into.
const VOCDirName = "Annotations"

type vocAnnotation struct {
	XMLName   xml.Name    `xml:"annotation"`
	Folder    string      `xml:"folder"`
	Filename  string      `xml:"filename"`
	Path      string      `xml:"path"`
	Source    vocSource   `xml:"source"`
	Size      vocSize     `xml:"size"`
	Segmented int         `xml:"segmented"`
	Objects   []vocObject `xml:"object"`
}

type vocSource struct {
	Database string `xml:"database"`
}

type vocSize struct {
	Width  int `xml:"width"`
	Height int `xml:"height"`
	Depth  int `xml:"depth"`
}

type vocObject struct {
	Name      string    `xml:"name"`
	Pose      string    `xml:"pose"`
	Truncated int       `xml:"truncated"`
	Difficult int       `xml:"difficult"`
	BndBox    vocBndBox `xml:"bndbox"`
	// Confidence is a non-standard extension carrying the detector score.
	Confidence *float64 `xml:"confidence,omitempty"`
}

type vocBndBox struct {
	XMin int `xml:"xmin"`
	YMin int `xml:"ymin"`
	XMax int `xml:"xmax"`
	YMax int `xml:"ymax"`
}

func saveVOC(sessions []annotation.Session, outputDir string) error {
	annotationsDir := filepath.Join(outputDir, VOCDirName)
	if err := os.MkdirAll(annotationsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create annotations directory: %w", err)
	}

	for _, session := range sessions {
		fileName := filepath.Base(session.ImagePath)
		doc := vocAnnotation{
			Folder:   filepath.Base(filepath.Dir(session.ImagePath)),
			Filename: fileName,
			Path:     session.ImagePath,
			Source:   vocSource{Database: "Unknown"},
			Size:     vocSize{Width: session.Width, Height: session.Height, Depth: 3},
		}

		for _, ann := range session.Annotations {
			score := ann.Score
			doc.Objects = append(doc.Objects, vocObject{
				Name:      ann.Label,
				Pose:      "Unspecified",
				BndBox: vocBndBox{
					XMin: int(math.Round(ann.Box.X1)),
					YMin: int(math.Round(ann.Box.Y1)),
					XMax: int(math.Round(ann.Box.X2)),
					YMax: int(math.Round(ann.Box.Y2)),
				},
				Confidence: &score,
			})
		}

		data, err := xml.MarshalIndent(doc, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal VOC annotation for %s: %w", fileName, err)
		}

		base := strings.TrimSuffix(fileName, filepath.Ext(fileName))
		outputFile := filepath.Join(annotationsDir, base+".xml")
		if err := os.WriteFile(outputFile, append([]byte(xml.Header), data...), 0o644); err != nil {
			return fmt.Errorf("failed to write VOC file for %s: %w", fileName, err)
		}
	}
	return nil
}

// loadVOC accepts either a single XML file or a directory of them.
func loadVOC(path string) ([]annotation.Session, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat VOC path: %w", err)
	}

	files := []string{path}
	if info.IsDir() {
		// A dataset root holding an Annotations/ dir is also accepted.
		dir := path
		if sub := filepath.Join(path, VOCDirName); dirExists(sub) {
			dir = sub
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to read VOC directory: %w", err)
		}
		files = files[:0]
		for _, entry := range entries {
			if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".xml") {
				continue
			}
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}

	sessions := make([]annotation.Session, 0, len(files))
	for _, file := range files {
		session, err := loadVOCFile(file)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

func loadVOCFile(path string) (annotation.Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return annotation.Session{}, fmt.Errorf("failed to read VOC file: %w", err)
	}

	var doc vocAnnotation
	if err := xml.Unmarshal(data, &doc); err != nil {
		return annotation.Session{}, fmt.Errorf("failed to parse VOC file %s: %w", filepath.Base(path), err)
	}

	imagePath := doc.Path
	if imagePath == "" {
		imagePath = doc.Filename
	}

	session := annotation.Session{
		ID:          uuid.New(),
		ImagePath:   imagePath,
		Width:       doc.Size.Width,
		Height:      doc.Size.Height,
		Annotations: []annotation.Annotation{},
	}

	for _, obj := range doc.Objects {
		score := 1.0
		if obj.Confidence != nil {
			score = *obj.Confidence
		}
		session.Annotations = append(session.Annotations, annotation.Annotation{
			ID: uuid.New(),
			Box: types.Box{
				X1: float64(obj.BndBox.XMin),
				Y1: float64(obj.BndBox.YMin),
				X2: float64(obj.BndBox.XMax),
				Y2: float64(obj.BndBox.YMax),
			},
			Label:  obj.Name,
			Score:  score,
			Source: sourceForScore(score),
		})
	}
	return session, nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
