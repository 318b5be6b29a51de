// detserve-server runs the detection REST API, optionally feeding the live
// MJPEG dashboard from a video source and publishing detection events over
// MQTT.
package main

import (
	"context"
	"flag"
	"log"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cortexvision/detserve"
	"github.com/cortexvision/detserve/adapter/onnx"
	"github.com/cortexvision/detserve/publish"
	"github.com/cortexvision/detserve/server"
	"github.com/cortexvision/detserve/service"
	"github.com/cortexvision/detserve/track"
)

func main() {

	configFile := flag.String("c", "config.yaml", "Path to YAML configuration file")
	flag.Parse()

	cfg, err := detserve.LoadConfig(*configFile)

	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	logger, err := buildLogger(cfg.LogLevel)

	if err != nil {
		log.Fatalf("Error creating logger: %v", err)
	}

	defer logger.Sync()

	adapter, err := onnx.New(onnx.Options{
		Weights:       cfg.Model.Weights,
		Library:       cfg.Model.Library,
		Spec:          cfg.Model.InputSpec(),
		NumClasses:    cfg.Model.NumClasses,
		HalfPrecision: cfg.Model.HalfPrecision,
		Logger:        logger.Named("model"),
	})

	if err != nil {
		log.Fatalf("Error loading model: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc, err := service.New(cfg, adapter, service.Options{
		Logger:     logger.Named("service"),
		Registerer: registry,
	})

	if err != nil {
		log.Fatalf("Error creating service: %v", err)
	}

	defer svc.Close()

	srv := server.New(svc, cfg.Server, logger.Named("http"), registry)

	var observers []server.StreamObserver

	if cfg.MQTT.Broker != "" {
		publisher, err := publish.NewPublisher(publish.Options{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			Logger:   logger.Named("mqtt"),
		})

		if err != nil {
			log.Fatalf("Error connecting to MQTT broker: %v", err)
		}

		defer publisher.Close()

		observers = append(observers, func(ds detserve.DetectionSet) {
			if err := publisher.Publish(ds); err != nil {
				logger.Warn("publish failed", zap.Error(err))
			}
		})
	}

	if cfg.Server.StreamSource != "" {
		src, err := openSource(cfg.Server.StreamSource)

		if err != nil {
			log.Fatalf("Error opening stream source: %v", err)
		}

		tracker := track.New(track.DefaultOptions())

		go func() {
			err := srv.RunStream(context.Background(), svc, src, tracker, observers...)

			if err != nil {
				logger.Error("stream ended", zap.Error(err))
			}
		}()
	}

	log.Fatal(srv.ListenAndServe())
}

// openSource opens a video file path or a numeric camera index
func openSource(source string) (service.FrameSource, error) {

	if device, err := strconv.Atoi(source); err == nil {
		return service.OpenCamera(device)
	}

	return service.OpenVideo(source)
}

// buildLogger creates a production zap logger at the configured level
func buildLogger(level string) (*zap.Logger, error) {

	lvl, err := zapcore.ParseLevel(level)

	if err != nil {
		return nil, err
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)

	return zcfg.Build()
}
