// Command areadetd is the standalone process hosting a single area-detector
// driver instance against one control-server endpoint. It loads the static
// YAML deployment config and the optional camera.def geometry descriptor,
// connects, and drives one acquisition run described on the command line,
// reporting frame-ready and final status to stdout. It exists primarily to
// exercise the driver package end to end outside of any acquisition
// framework; a real embedder links the driver package directly instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/esrf-bliss/areadet/config"
	"github.com/esrf-bliss/areadet/driver"
	"github.com/esrf-bliss/areadet/internal/telemetry/logging"
	"github.com/esrf-bliss/areadet/internal/telemetry/metrics"
	"github.com/esrf-bliss/areadet/internal/telemetry/tracing"
)

func main() {
	var (
		configPath  string
		exposure    float64
		latency     float64
		nbImages    int
		trigger     string
		firstImage  int
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "path to the static YAML deployment config")
	flag.Float64Var(&exposure, "exposure", 0.1, "exposure time in seconds")
	flag.Float64Var(&latency, "latency", 0.003, "exposure period minus exposure, in seconds")
	flag.IntVar(&nbImages, "nb-images", 1, "number of frames to acquire")
	flag.StringVar(&trigger, "trigger", "internal-single", "trigger mode: internal-single|internal-multi|external-single|external-multi|external-gate")
	flag.IntVar(&firstImage, "first-image", 0, "first image number")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("areadetd (development build)")
		return
	}
	if configPath == "" {
		log.Fatal("areadetd: -config is required")
	}

	static, err := config.LoadStatic(configPath)
	if err != nil {
		log.Fatalf("areadetd: %v", err)
	}

	cameraDef := config.DefaultCameraDef()
	if static.CameraDefPath != "" {
		cameraDef, err = config.LoadCameraDef(static.CameraDefPath, cameraDef)
		if err != nil {
			log.Fatalf("areadetd: %v", err)
		}
	}

	logger := logging.New(slog.Default())
	trc := tracing.NewTracer(static.TracingEnabled)

	var metricsProvider metrics.Provider = metrics.NewNoopProvider()
	if static.MetricsEnabled {
		prom := metrics.NewPrometheusProvider(nil)
		metricsProvider = prom
		if static.MetricsListen != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(prom.Registry(), promhttp.HandlerOpts{}))
			go func() {
				if err := http.ListenAndServe(static.MetricsListen, mux); err != nil {
					logger.ErrorCtx(context.Background(), "metrics server exited", "error", err.Error())
				}
			}()
		}
	}

	mode := driver.ModeLocal
	if static.Mode == config.ModeRemote {
		mode = driver.ModeRemote
	}

	d, err := driver.New(driver.Config{
		Host: static.Host, Port: static.Port,
		Mode:              mode,
		ConnectTimeout:    static.ConnectTimeout,
		CommandTimeout:    static.CommandTimeout,
		ReconnectOnDemand: static.ReconnectOnDemand,
		WatchDir:          static.WatchDir,
		FilePattern:       static.FilePattern,
		Retention:         static.Retention,
		Width:             static.Width,
		Height:            static.Height,
		BytesPerPixel:     static.BytesPerPixel,
		MinLatency:        static.MinLatency,
		TempLimits:        static.TempLimits,
		HumidityLimits:    static.HumidityLimits,
		EnableOTelSDK:     static.TracingEnabled,
		MetricsEnabled:    static.MetricsEnabled,
	}, cameraDef, driver.WithLogger(logger), driver.WithTracer(trc), driver.WithMetrics(metricsProvider))
	if err != nil {
		log.Fatalf("areadetd: %v", err)
	}
	defer d.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := d.Connect(ctx); err != nil {
		log.Fatalf("areadetd: connect: %v", err)
	}

	trigMode, err := parseTrigger(trigger)
	if err != nil {
		log.Fatalf("areadetd: %v", err)
	}

	params := driver.Params{
		Exposure: exposure, Latency: latency, NbImages: int32(nbImages),
		Trigger: trigMode, FirstImage: firstImage,
		Imgpath: static.WatchDir, Pattern: static.FilePattern, Retention: static.Retention,
	}

	delivered := 0
	d.Buffer().Register(func(f *driver.Frame) bool {
		delivered++
		fmt.Printf("frame %d delivered (%d/%d)\n", f.Index, delivered, nbImages)
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	})

	if err := d.Prepare(ctx, params); err != nil {
		log.Fatalf("areadetd: prepare: %v", err)
	}
	if err := d.Start(ctx, params); err != nil {
		log.Fatalf("areadetd: start: %v", err)
	}

	for {
		status := d.Status()
		if status.Acquisition != driver.PhaseRunning {
			break
		}
		select {
		case <-ctx.Done():
			d.Stop(context.Background())
			fmt.Println("interrupted, stopping acquisition")
			return
		case <-time.After(100 * time.Millisecond):
		}
	}

	status := d.Status()
	fmt.Printf("final status: detector=%s acquisition=%s\n", status.Detector, status.Acquisition)
}

func parseTrigger(s string) (driver.TriggerMode, error) {
	switch s {
	case "internal-single":
		return driver.InternalSingle, nil
	case "internal-multi":
		return driver.InternalMulti, nil
	case "external-single":
		return driver.ExternalSingle, nil
	case "external-multi":
		return driver.ExternalMulti, nil
	case "external-gate":
		return driver.ExternalGate, nil
	default:
		return 0, fmt.Errorf("unknown trigger mode %q", s)
	}
}
