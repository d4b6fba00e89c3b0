package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tmarkov/annotator"
	"github.com/tmarkov/annotator/internal/config"
	"github.com/tmarkov/annotator/internal/database"
	"github.com/tmarkov/annotator/internal/server"
	"github.com/tmarkov/annotator/internal/utils"
	"github.com/tmarkov/annotator/pkg/annotation"
	"github.com/tmarkov/annotator/pkg/client"
	"github.com/tmarkov/annotator/pkg/detection"
	"github.com/tmarkov/annotator/pkg/dino"
	"github.com/tmarkov/annotator/pkg/export"
	"github.com/tmarkov/annotator/pkg/ollama"
	"github.com/tmarkov/annotator/pkg/processing"
	"github.com/tmarkov/annotator/pkg/visualize"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	switch os.Args[1] {
	case "annotate":
		runAnnotate(os.Args[2:])
	case "convert":
		runConvert(os.Args[2:])
	case "visualize":
		runVisualize(os.Args[2:])
	case "serve":
		runServe(os.Args[2:])
	case "version":
		fmt.Println(annotator.Version)
	default:
		usage()
	}
}

func usage() {
	log.Fatalf("usage: %s annotate|convert|visualize|serve|version [options]", filepath.Base(os.Args[0]))
}

// newBackend creates the detection client for the chosen backend.
func newBackend(backend, url string) (client.DetectionClient, error) {
	switch backend {
	case "dino":
		return dino.NewClient(url)
	case "ollama":
		return ollama.NewClient(url)
	default:
		return nil, fmt.Errorf("unknown backend: %s (use 'dino' or 'ollama')", backend)
	}
}

func runAnnotate(args []string) {
	fs := flag.NewFlagSet("annotate", flag.ExitOnError)
	var in, out, backend, url, model, prompt, format string
	var boxThreshold, textThreshold float64
	var overlay bool

	fs.StringVar(&in, "in", "", "input image file or directory")
	fs.StringVar(&out, "out", "output", "output directory")
	fs.StringVar(&backend, "backend", "dino", "detection backend: dino or ollama")
	fs.StringVar(&url, "url", "", "backend server URL (empty = backend default)")
	fs.StringVar(&model, "model", "", "model name (empty = backend default)")
	fs.StringVar(&prompt, "prompt", "person, car, dog, cat", "comma-separated object prompt")
	fs.Float64Var(&boxThreshold, "box-threshold", 0.35, "minimum box confidence (0-1)")
	fs.Float64Var(&textThreshold, "text-threshold", 0.25, "minimum label-match confidence (0-1)")
	fs.StringVar(&format, "format", "coco", "export format: coco or voc")
	fs.BoolVar(&overlay, "overlay", false, "also save annotated overlay images")
	fs.Parse(args)

	if in == "" {
		log.Fatal("annotate: -in is required")
	}

	exportFormat, err := export.ParseFormat(format)
	if err != nil {
		log.Fatal(err)
	}

	backendClient, err := newBackend(backend, url)
	if err != nil {
		log.Fatal(err)
	}

	opts := detection.DefaultOptions()
	opts.Model = model
	opts.BoxThreshold = boxThreshold
	opts.TextThreshold = textThreshold
	a := annotator.NewWithOptions(backendClient, opts)

	inputs := []string{in}
	if utils.DirExists(in) {
		inputs, err = utils.ListImageFiles(in)
		if err != nil {
			log.Fatal(err)
		}
		if len(inputs) == 0 {
			log.Fatalf("no image files found in %s", in)
		}
	}

	if err := utils.EnsureDir(out); err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	for _, input := range inputs {
		session, err := a.Annotate(ctx, input, prompt)
		if err != nil {
			log.Printf("skipping %s: %v", input, err)
			continue
		}
		log.Printf("%s: %d objects", input, len(session.Annotations))

		if overlay {
			overlayPath := utils.GenerateOutputFilename(input, out, "_annotated", "png")
			if err := a.SaveOverlay(input, overlayPath, "png", 92); err != nil {
				log.Printf("overlay for %s failed: %v", input, err)
			}
		}
	}

	if err := a.Export(exportFormat, out); err != nil {
		log.Fatal(err)
	}
	log.Printf("exported %s annotations to %s", exportFormat, out)
}

func runConvert(args []string) {
	fs := flag.NewFlagSet("convert", flag.ExitOnError)
	var in, inFormat, out, outFormat string

	fs.StringVar(&in, "in", "", "input annotation file (coco) or directory (voc)")
	fs.StringVar(&inFormat, "informat", "coco", "input format: coco or voc")
	fs.StringVar(&out, "out", "output", "output directory")
	fs.StringVar(&outFormat, "outformat", "voc", "output format: coco or voc")
	fs.Parse(args)

	if in == "" {
		log.Fatal("convert: -in is required")
	}

	src, err := export.ParseFormat(inFormat)
	if err != nil {
		log.Fatal(err)
	}
	dst, err := export.ParseFormat(outFormat)
	if err != nil {
		log.Fatal(err)
	}

	if err := export.Convert(in, src, out, dst); err != nil {
		log.Fatal(err)
	}
	log.Printf("converted %s (%s) to %s (%s)", in, src, out, dst)
}

func runVisualize(args []string) {
	fs := flag.NewFlagSet("visualize", flag.ExitOnError)
	var in, format, imageDir, out string

	fs.StringVar(&in, "in", "", "annotation file (coco) or directory (voc)")
	fs.StringVar(&format, "format", "coco", "annotation format: coco or voc")
	fs.StringVar(&imageDir, "images", "", "directory holding the images (empty = paths stored in the annotations)")
	fs.StringVar(&out, "out", "output", "output directory for overlay images")
	fs.Parse(args)

	if in == "" {
		log.Fatal("visualize: -in is required")
	}

	annotationFormat, err := export.ParseFormat(format)
	if err != nil {
		log.Fatal(err)
	}

	sessions, err := export.Load(in, annotationFormat)
	if err != nil {
		log.Fatal(err)
	}

	if err := utils.EnsureDir(out); err != nil {
		log.Fatal(err)
	}

	processor := processing.NewProcessor()
	for _, session := range sessions {
		imagePath := session.ImagePath
		if imageDir != "" {
			imagePath = filepath.Join(imageDir, filepath.Base(session.ImagePath))
		}

		img, err := processor.LoadImage(imagePath)
		if err != nil {
			log.Printf("skipping %s: %v", imagePath, err)
			continue
		}

		overlay := visualize.Render(img, session.Annotations)
		overlayPath := utils.GenerateOutputFilename(imagePath, out, "_annotated", "png")
		if err := processor.SaveImage(overlay, overlayPath, "png", 92, false); err != nil {
			log.Printf("failed to save %s: %v", overlayPath, err)
			continue
		}
		log.Printf("%s: %d annotations drawn", overlayPath, len(session.Annotations))
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	var configPath string

	fs.StringVar(&configPath, "config", "", "config file path (empty = defaults)")
	fs.Parse(args)

	// .env is optional
	_ = godotenv.Load()

	cfg := config.Default()
	if configPath == "" && utils.FileExists(config.GetConfigPath()) {
		configPath = config.GetConfigPath()
	}
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			log.Fatal(err)
		}
		cfg = loaded
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	backendClient, err := newBackend(cfg.Detector.Backend, cfg.Detector.ServerURL)
	if err != nil {
		log.Fatal(err)
	}

	db, err := database.New(cfg.Server.DatabasePath)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()
	repo := database.NewSessionRepository(db)

	store := annotation.NewStore()
	srv := server.NewServer(cfg, store, backendClient, repo, logger)
	if err := srv.Restore(); err != nil {
		log.Fatal(err)
	}

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("server stopped", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}
