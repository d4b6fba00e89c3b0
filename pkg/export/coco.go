package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/tmarkov/annotator/pkg/annotation"
	"github.com/tmarkov/annotator/pkg/types"
)

// COCOFileName is the JSON file Save writes into the output directory.
const COCOFileName = "annotations.json"

type cocoDataset struct {
	Info        cocoInfo         `json:"info"`
	Licenses    []cocoLicense    `json:"licenses"`
	Images      []cocoImage      `json:"images"`
	Annotations []cocoAnnotation `json:"annotations"`
	Categories  []cocoCategory   `json:"categories"`
}

type cocoInfo struct {
	Description string `json:"description"`
	URL         string `json:"url"`
	Version     string `json:"version"`
	Year        int    `json:"year"`
	Contributor string `json:"contributor"`
	DateCreated string `json:"date_created"`
}

type cocoLicense struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

type cocoImage struct {
	ID           int    `json:"id"`
	License      int    `json:"license"`
	FileName     string `json:"file_name"`
	Height       int    `json:"height"`
	Width        int    `json:"width"`
	DateCaptured string `json:"date_captured"`
}

type cocoAnnotation struct {
	ID         int       `json:"id"`
	ImageID    int       `json:"image_id"`
	CategoryID int       `json:"category_id"`
	// BBox is [x, y, width, height] per the COCO convention.
	BBox         [4]float64 `json:"bbox"`
	Area         float64    `json:"area"`
	Segmentation []any      `json:"segmentation"`
	IsCrowd      int        `json:"iscrowd"`
	// Score is a non-standard extension carrying the detector confidence.
	Score *float64 `json:"score,omitempty"`
}

type cocoCategory struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	Supercategory string `json:"supercategory"`
}

func saveCOCO(sessions []annotation.Session, outputDir string) error {
	now := time.Now()
	dataset := cocoDataset{
		Info: cocoInfo{
			Description: "Dataset created with Annotator",
			Version:     "1.0",
			Year:        now.Year(),
			DateCreated: now.Format("2006-01-02 15:04:05"),
		},
		Licenses:    []cocoLicense{{ID: 1, Name: "Unknown"}},
		Images:      []cocoImage{},
		Annotations: []cocoAnnotation{},
		Categories:  []cocoCategory{},
	}

	// Category IDs are assigned in first-seen label order.
	categories := map[string]int{}
	nextCategoryID := 1
	nextAnnotationID := 1

	for imageIdx, session := range sessions {
		imageID := imageIdx + 1
		dataset.Images = append(dataset.Images, cocoImage{
			ID:       imageID,
			License:  1,
			FileName: filepath.Base(session.ImagePath),
			Height:   session.Height,
			Width:    session.Width,
		})

		for _, ann := range session.Annotations {
			categoryID, ok := categories[ann.Label]
			if !ok {
				categoryID = nextCategoryID
				categories[ann.Label] = categoryID
				dataset.Categories = append(dataset.Categories, cocoCategory{
					ID:            categoryID,
					Name:          ann.Label,
					Supercategory: "none",
				})
				nextCategoryID++
			}

			w, h := ann.Box.Width(), ann.Box.Height()
			score := ann.Score
			dataset.Annotations = append(dataset.Annotations, cocoAnnotation{
				ID:           nextAnnotationID,
				ImageID:      imageID,
				CategoryID:   categoryID,
				BBox:         [4]float64{ann.Box.X1, ann.Box.Y1, w, h},
				Area:         w * h,
				Segmentation: []any{},
				Score:        &score,
			})
			nextAnnotationID++
		}
	}

	data, err := json.MarshalIndent(dataset, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal COCO dataset: %w", err)
	}

	outputFile := filepath.Join(outputDir, COCOFileName)
	if err := os.WriteFile(outputFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write COCO file: %w", err)
	}
	return nil
}

func loadCOCO(path string) ([]annotation.Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read COCO file: %w", err)
	}

	var dataset cocoDataset
	if err := json.Unmarshal(data, &dataset); err != nil {
		return nil, fmt.Errorf("failed to parse COCO file: %w", err)
	}

	categoryNames := make(map[int]string, len(dataset.Categories))
	for _, cat := range dataset.Categories {
		categoryNames[cat.ID] = cat.Name
	}

	sessions := make(map[int]*annotation.Session, len(dataset.Images))
	order := make([]int, 0, len(dataset.Images))
	for _, img := range dataset.Images {
		sessions[img.ID] = &annotation.Session{
			ID:          uuid.New(),
			ImagePath:   img.FileName,
			Width:       img.Width,
			Height:      img.Height,
			Annotations: []annotation.Annotation{},
		}
		order = append(order, img.ID)
	}

	for _, ann := range dataset.Annotations {
		session, ok := sessions[ann.ImageID]
		if !ok {
			return nil, fmt.Errorf("annotation %d references unknown image %d", ann.ID, ann.ImageID)
		}
		label, ok := categoryNames[ann.CategoryID]
		if !ok {
			return nil, fmt.Errorf("annotation %d references unknown category %d", ann.ID, ann.CategoryID)
		}

		score := 1.0
		if ann.Score != nil {
			score = *ann.Score
		}

		session.Annotations = append(session.Annotations, annotation.Annotation{
			ID: uuid.New(),
			Box: types.Box{
				X1: ann.BBox[0],
				Y1: ann.BBox[1],
				X2: ann.BBox[0] + ann.BBox[2],
				Y2: ann.BBox[1] + ann.BBox[3],
			},
			Label:  label,
			Score:  score,
			Source: sourceForScore(score),
		})
	}

	out := make([]annotation.Session, 0, len(order))
	for _, id := range order {
		out = append(out, *sessions[id])
	}
	return out, nil
}

// sourceForScore follows the original convention: manual annotations carry
// score 1.0, everything else came from the model.
func sourceForScore(score float64) annotation.Source {
	if score >= 1.0 {
		return annotation.SourceManual
	}
	return annotation.SourceModel
}
