// detect runs object detection over an image, a directory of images, or a
// video file and writes annotated copies of the input.  With a ground plane
// calibration it also projects detections to world coordinates and exports
// trajectories as CSV.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gocv.io/x/gocv"
	"go.uber.org/zap"

	"github.com/cortexvision/detserve"
	"github.com/cortexvision/detserve/adapter/onnx"
	"github.com/cortexvision/detserve/mapping"
	"github.com/cortexvision/detserve/preprocess"
	"github.com/cortexvision/detserve/render"
	"github.com/cortexvision/detserve/service"
	"github.com/cortexvision/detserve/track"
)

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".bmp": true, ".webp": true,
}

// trailPruneInterval is how often, in frames, stale track trails are dropped
const trailPruneInterval = 120

func main() {

	modelFile := flag.String("m", "models/yolov8n.onnx", "ONNX model file to run")
	labelFile := flag.String("l", "models/labels.txt", "Class labels file, one per line")
	libPath := flag.String("lib", "", "Path to ONNX Runtime shared library")
	input := flag.String("i", "", "Input image, directory of images, video file, or camera index")
	outDir := flag.String("o", "output", "Directory to write annotated results to")
	confThresh := flag.Float64("conf", 0.5, "Confidence threshold")
	iouThresh := flag.Float64("iou", 0.45, "IoU threshold for suppression")
	classes := flag.String("classes", "", "Comma separated class allow-list")
	agnostic := flag.Bool("agnostic", false, "Suppress across classes instead of within")
	half := flag.Bool("half", false, "Model output is float16")
	doTrack := flag.Bool("t", false, "Track objects across video frames")
	calibFile := flag.String("calib", "", "Homography calibration JSON for ground plane mapping")
	zonesFile := flag.String("zones", "", "Zone definitions JSON for occupancy counts")
	csvFile := flag.String("csv", "", "Write world coordinate trajectories to this CSV file")
	size := flag.Int("size", 640, "Model input size in pixels")
	flag.Parse()

	if *input == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg := detserve.DefaultConfig()
	cfg.Model.Weights = *modelFile
	cfg.Model.Labels = *labelFile
	cfg.Model.Library = *libPath
	cfg.Model.TargetWidth = *size
	cfg.Model.TargetHeight = *size
	cfg.Model.NumClasses = 0
	cfg.Model.HalfPrecision = *half
	cfg.Pipeline.ConfidenceThreshold = float32(*confThresh)
	cfg.Pipeline.IoUThreshold = float32(*iouThresh)

	if *classes != "" {
		cfg.Pipeline.Classes = strings.Split(*classes, ",")
	}

	if *agnostic {
		cfg.Pipeline.Suppression = detserve.SuppressionClassAgnostic
	}

	adapter, err := onnx.New(onnx.Options{
		Weights:       cfg.Model.Weights,
		Library:       cfg.Model.Library,
		Spec:          cfg.Model.InputSpec(),
		HalfPrecision: cfg.Model.HalfPrecision,
	})

	if err != nil {
		log.Fatalf("Error loading model: %v", err)
	}

	svc, err := service.New(cfg, adapter, service.Options{Logger: zap.NewNop()})

	if err != nil {
		log.Fatalf("Error creating service: %v", err)
	}

	defer svc.Close()

	var mapper *mapping.Mapper
	var zones []*mapping.Zone

	if *calibFile != "" {
		hom, err := mapping.LoadHomography(*calibFile)

		if err != nil {
			log.Fatalf("Error loading calibration: %v", err)
		}

		mapper = mapping.NewMapper(hom)
	}

	if *zonesFile != "" {
		if mapper == nil {
			log.Fatal("Zones require a homography calibration (-calib)")
		}

		zones, err = mapping.LoadZones(*zonesFile)

		if err != nil {
			log.Fatalf("Error loading zones: %v", err)
		}
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatalf("Error creating output directory: %v", err)
	}

	if isVideoInput(*input) {
		err = runVideo(svc, *input, *outDir, *doTrack, mapper, zones)
	} else {
		err = runImages(svc, *input, *outDir, mapper, zones)
	}

	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	if mapper != nil && *csvFile != "" {
		f, err := os.Create(*csvFile)

		if err != nil {
			log.Fatalf("Error creating CSV file: %v", err)
		}

		defer f.Close()

		if err := mapper.WriteCSV(f); err != nil {
			log.Fatalf("Error writing CSV: %v", err)
		}

		fmt.Printf("Wrote %d trajectory records to %s\n", len(mapper.Records()), *csvFile)
	}
}

// isVideoInput reports whether the input is a video file or a camera index
func isVideoInput(input string) bool {

	if _, err := strconv.Atoi(input); err == nil {
		return true
	}

	switch strings.ToLower(filepath.Ext(input)) {
	case ".mp4", ".avi", ".mov", ".mkv", ".webm":
		return true
	}

	return false
}

// runImages detects over a single image or every image in a directory
func runImages(svc *service.Service, input, outDir string,
	mapper *mapping.Mapper, zones []*mapping.Zone) error {

	files, err := gatherImages(input)

	if err != nil {
		return err
	}

	imgs := make([]*preprocess.Image, 0, len(files))

	for _, file := range files {
		img, err := preprocess.LoadImage(file)

		if err != nil {
			return err
		}

		imgs = append(imgs, img)
	}

	sets, err := svc.DetectBatch(context.Background(), imgs)

	if err != nil {
		return err
	}

	font := render.DefaultFont()

	for i, ds := range sets {
		printDetections(ds)

		var records []mapping.Record

		if mapper != nil {
			records = mapper.Map(ds)
			printZoneCounts(zones, records)
		}

		annotated := imgs[i].Mat().Clone()
		render.DetectionBoxes(&annotated, ds.Detections, font, 2)

		if mapper != nil {
			render.WorldPositions(&annotated, ds.Detections, worldPositions(records), font)
		}

		outFile := filepath.Join(outDir, filepath.Base(files[i]))
		gocv.IMWrite(outFile, annotated)
		annotated.Close()
		imgs[i].Close()

		fmt.Printf("Saved %s\n", outFile)
	}

	return nil
}

// runVideo detects over every frame of a video, writing an annotated copy
func runVideo(svc *service.Service, input, outDir string, doTrack bool,
	mapper *mapping.Mapper, zones []*mapping.Zone) error {

	src, err := openVideoSource(input)

	if err != nil {
		return err
	}

	defer src.Close()

	var tracker *track.Tracker
	var trail *render.Trail

	if doTrack {
		tracker = track.New(track.DefaultOptions())
		trail = render.NewTrail(0)
	}

	font := render.DefaultFont()
	ctx := context.Background()

	var writer *gocv.VideoWriter
	frames := 0

	fps := src.FPS()

	if fps <= 0 {
		fps = 25
	}

	for {
		img, err := src.Next(ctx)

		if err == io.EOF {
			break
		}

		if err != nil {
			return err
		}

		ds, err := svc.Detect(ctx, img)

		if err != nil {
			img.Close()
			return err
		}

		frames++

		if tracker != nil {
			ds = tracker.Update(ds)
			trail.Push(ds)

			// drop trails of stale tracks so long videos stay bounded
			if frames%trailPruneInterval == 0 {
				trail.Forget(ds)
			}
		}

		var records []mapping.Record

		if mapper != nil {
			records = mapper.Map(ds)
			printZoneCounts(zones, records)
		}

		annotated := img.Mat().Clone()
		img.Close()

		render.DetectionBoxes(&annotated, ds.Detections, font, 2)

		if trail != nil {
			trail.Draw(&annotated, ds, render.DefaultTrailStyle())
		}

		if mapper != nil {
			render.WorldPositions(&annotated, ds.Detections, worldPositions(records), font)
		}

		if writer == nil {
			outFile := filepath.Join(outDir, "annotated.mp4")
			writer, err = gocv.VideoWriterFile(outFile, "avc1", fps,
				annotated.Cols(), annotated.Rows(), true)

			if err != nil {
				annotated.Close()
				return fmt.Errorf("error creating video writer: %w", err)
			}

			defer writer.Close()

			fmt.Printf("Writing annotated video to %s\n", outFile)
		}

		writer.Write(annotated)
		annotated.Close()

		fmt.Printf("%s: %d objects\n", ds.Source, len(ds.Detections))
	}

	return nil
}

// openVideoSource opens a camera index or a video file
func openVideoSource(input string) (*service.VideoSource, error) {

	if device, err := strconv.Atoi(input); err == nil {
		return service.OpenCamera(device)
	}

	return service.OpenVideo(input)
}

// gatherImages expands a file or directory input into image file paths
func gatherImages(input string) ([]string, error) {

	info, err := os.Stat(input)

	if err != nil {
		return nil, err
	}

	if !info.IsDir() {
		return []string{input}, nil
	}

	entries, err := os.ReadDir(input)

	if err != nil {
		return nil, err
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		if imageExts[strings.ToLower(filepath.Ext(entry.Name()))] {
			files = append(files, filepath.Join(input, entry.Name()))
		}
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no images found in %s", input)
	}

	return files, nil
}

// printDetections writes one line per detection
func printDetections(ds detserve.DetectionSet) {

	fmt.Printf("%s: %d objects\n", ds.Source, len(ds.Detections))

	for _, det := range ds.Detections {
		fmt.Printf("  %s %.2f @ (%.0f,%.0f)-(%.0f,%.0f)\n",
			det.ClassName, det.Confidence,
			det.Box.XMin, det.Box.YMin, det.Box.XMax, det.Box.YMax)
	}
}

// worldPositions keys the projected ground plane coordinates by detection ID
// for rendering under each box
func worldPositions(records []mapping.Record) map[int64][2]float64 {

	out := make(map[int64][2]float64, len(records))

	for _, rec := range records {
		out[rec.DetectionID] = [2]float64{rec.World.X, rec.World.Y}
	}

	return out
}

// printZoneCounts writes the occupancy of each zone for one frame
func printZoneCounts(zones []*mapping.Zone, records []mapping.Record) {

	for _, zone := range zones {
		if n := zone.Count(records); n > 0 {
			fmt.Printf("  zone %s: %d objects\n", zone.Name(), n)
		}
	}
}
