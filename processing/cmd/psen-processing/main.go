package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/psen-processing/psen/processing/internal/api"
	"github.com/psen-processing/psen/processing/internal/config"
	"github.com/psen-processing/psen/processing/internal/logging"
	"github.com/psen-processing/psen/processing/internal/manager"
	"github.com/psen-processing/psen/processing/internal/metrics"
	"github.com/psen-processing/psen/processing/internal/pipeline"
	"github.com/psen-processing/psen/processing/internal/processor"
	"github.com/psen-processing/psen/processing/internal/stream"
)

func main() {
	configPath := flag.String("config", "", "path to config file; built-in defaults when empty")
	input := flag.String("input", "", "input frame stream URL (overrides processing.input_stream)")
	apiPort := flag.Int("api-port", 0, "REST API port (overrides api.port)")
	dataPort := flag.Int("data-port", 0, "data output stream port (overrides output.data_port)")
	imagePort := flag.Int("image-port", 0, "image output stream port (overrides output.image_port)")
	logLevel := flag.String("log-level", "", "debug|info|warn|error (overrides log.level)")
	autoStart := flag.Bool("auto-start", false, "start processing immediately")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	if *input != "" {
		cfg.Processing.InputStream = *input
	}
	if *apiPort != 0 {
		cfg.API.Port = *apiPort
	}
	if *dataPort != 0 {
		cfg.Output.DataPort = *dataPort
	}
	if *imagePort != 0 {
		cfg.Output.ImagePort = *imagePort
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logCloser := logging.Setup(cfg.Log)
	defer logCloser.Close()

	if err := run(cfg, *configPath, *autoStart); err != nil {
		slog.Error("psen-processing failed", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, configPath string, autoStart bool) error {
	if cfg.Processing.InputStream == "" {
		return errors.New("no input stream: set processing.input_stream or -input")
	}
	slog.Info("psen-processing starting",
		"input_stream", cfg.Processing.InputStream,
		"api_port", cfg.API.Port,
		"data_port", cfg.Output.DataPort,
		"image_port", cfg.Output.ImagePort,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	settings, err := cfg.Processing.Settings()
	if err != nil {
		return err
	}
	proc, err := processor.New(processor.Config{
		Cadence: cfg.Processing.MeasurementCadence,
		Edge:    cfg.Processing.Edge,
	})
	if err != nil {
		return err
	}

	// Output streams.
	dataHub := stream.NewHub(metrics.ChannelData, cfg.Output.QueueSize, websocket.TextMessage, stream.EncodeRecord)
	imageHub := stream.NewHub(metrics.ChannelImage, cfg.Output.QueueSize, websocket.BinaryMessage,
		stream.FrameEncoder(stream.DType(cfg.Output.ImageDType)))
	go dataHub.Run(ctx)
	go imageHub.Run(ctx)

	input := pipeline.NewWebsocketInput(stream.ReceiverConfig{
		URL:            cfg.Processing.InputStream,
		ReceiveTimeout: cfg.Processing.ReceiveTimeout,
		QueueSize:      cfg.Processing.InputQueueSize,
	})
	pipe := pipeline.New(pipeline.Config{
		BackgroundWindow: cfg.Processing.BackgroundWindow,
		RetryInterval:    cfg.Output.SendRetryInterval,
		ImageMaxRate:     cfg.Output.ImageMaxRate,
	}, proc, input.Open, dataHub, imageHub)

	mgr, err := manager.New(manager.Config{
		StartTimeout: cfg.Processing.StartTimeout,
		Settings:     settings,
	}, pipe.Worker())
	if err != nil {
		return err
	}
	defer mgr.Stop()

	collect := func() metrics.Snapshot {
		st := mgr.Statistics()
		s := metrics.Snapshot{
			Up:              mgr.Status() == manager.Processing,
			NProcessed:      st.NProcessedImages,
			LastSentPulseID: st.LastSentPulseID,
			InputReceived:   input.Received(),
			Dropped: map[string]uint64{
				metrics.ChannelInput: input.Dropped(),
				metrics.ChannelData:  pipe.DataDropped(),
				metrics.ChannelImage: pipe.ImageDropped(),
			},
			Blocked: map[string]uint64{
				metrics.ChannelData:  dataHub.Blocked(),
				metrics.ChannelImage: imageHub.Blocked(),
			},
			Evicted: map[string]uint64{
				metrics.ChannelData:  dataHub.Evicted(),
				metrics.ChannelImage: imageHub.Evicted(),
			},
			Consumers: map[string]int{
				metrics.ChannelData:  dataHub.Count(),
				metrics.ChannelImage: imageHub.Count(),
			},
		}
		if !st.ProcessingStartTime.IsZero() {
			s.StartTimeUnix = float64(st.ProcessingStartTime.UnixNano()) / 1e9
		}
		if !st.LastSentTime.IsZero() {
			s.LastSentTimeUnix = float64(st.LastSentTime.UnixNano()) / 1e9
		}
		return s
	}

	handler := api.New(mgr, api.Options{
		Prefix:  cfg.API.Prefix,
		Metrics: collect,
		Auth: api.RequireAPIKey(
			cfg.API.Auth.Mode,
			cfg.API.Auth.EffectiveHeader(),
			cfg.API.Auth.Key(),
		),
	})

	servers := []*http.Server{
		{Addr: net.JoinHostPort(cfg.API.Interface, strconv.Itoa(cfg.API.Port)), Handler: handler},
		{Addr: fmt.Sprintf(":%d", cfg.Output.DataPort), Handler: dataHub},
		{Addr: fmt.Sprintf(":%d", cfg.Output.ImagePort), Handler: imageHub},
	}
	errc := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			slog.Info("HTTP server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
		}(srv)
	}

	// ROI edits in the config file reach the running worker without a restart.
	if configPath != "" {
		go func() {
			err := config.WatchROI(ctx, configPath, cfg.Processing, mgr.SetSettings)
			if err != nil {
				slog.Error("config watcher stopped", "err", err)
			}
		}()
	}

	if autoStart {
		if err := mgr.Start(); err != nil {
			slog.Error("auto start failed", "err", err)
		}
	}

	select {
	case <-ctx.Done():
	case err = <-errc:
	}

	slog.Info("psen-processing shutting down")
	mgr.Stop()
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	for _, srv := range servers {
		srv.Shutdown(shutdownCtx) //nolint:errcheck
	}
	return err
}
