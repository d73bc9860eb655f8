// Command frame-sim serves synthetic camera frames over websocket for running
// psen-processing locally.
//
// Every frame is a flat background with noise. Measurement pulses
// (pulse_id % cadence == 0) additionally carry a falling step at -edge.
//
//	frame-sim -port 9999 -rate 10 &
//	psen-processing -input ws://localhost:9999/ -auto-start
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"gonum.org/v1/gonum/mat"

	"github.com/psen-processing/psen/processing/internal/stream"
)

func main() {
	port := flag.Int("port", 9999, "websocket port")
	rate := flag.Float64("rate", 10, "frames per second")
	width := flag.Int("width", 1024, "image width")
	height := flag.Int("height", 256, "image height")
	edge := flag.Int("edge", 400, "column of the step on measurement pulses")
	cadence := flag.Int64("cadence", 4, "measurement pulse modulus")
	level := flag.Float64("level", 100, "background level")
	noise := flag.Float64("noise", 5, "uniform noise amplitude")
	property := flag.String("property", "SIM-CAM:FPICTURE", "property name")
	dtype := flag.String("dtype", "uint16", "pixel dtype: uint8|uint16|float64")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if *rate <= 0 || *cadence < 1 || *width < 1 || *height < 1 {
		fmt.Fprintln(os.Stderr, "frame-sim: rate, cadence, width and height must be positive")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	hub := stream.NewHub("frames", 16, websocket.BinaryMessage, stream.FrameEncoder(stream.DType(*dtype)))
	go hub.Run(ctx)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", *port), Handler: hub}
	go func() {
		slog.Info("frame-sim listening", "port", *port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("frame-sim server stopped", "err", err)
			cancel()
		}
	}()

	gen := &generator{
		rows: *height, cols: *width, edge: *edge, cadence: *cadence,
		level: *level, noise: *noise, property: *property,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // test data
	}

	ticker := time.NewTicker(time.Duration(float64(time.Second) / *rate))
	defer ticker.Stop()
	for pulse := int64(0); ; pulse++ {
		select {
		case <-ctx.Done():
			srv.Shutdown(context.Background()) //nolint:errcheck
			return
		case <-ticker.C:
		}
		if err := hub.Send(pulse, time.Now(), gen.frame(pulse)); err != nil {
			slog.Debug("frame-sim: frame dropped", "pulse_id", pulse, "err", err)
		}
	}
}

type generator struct {
	rows, cols   int
	edge         int
	cadence      int64
	level, noise float64
	property     string
	rng          *rand.Rand
}

func (g *generator) frame(pulse int64) *stream.Frame {
	m := mat.NewDense(g.rows, g.cols, nil)
	step := pulse%g.cadence == 0
	for y := 0; y < g.rows; y++ {
		row := m.RawRowView(y)
		for x := range row {
			v := g.level + g.noise*(g.rng.Float64()*2-1)
			if step && x < g.edge {
				v += g.level
			}
			row[x] = v
		}
	}
	return &stream.Frame{PulseID: pulse, Timestamp: time.Now(), PropertyName: g.property, Pixels: m}
}
