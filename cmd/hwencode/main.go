package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"

	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/goccy/go-yaml"
	"github.com/gogpu/gputypes"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"github.com/xaionaro-go/hwencoder"
	"github.com/xaionaro-go/hwencoder/backend"
	"github.com/xaionaro-go/hwencoder/backend/libav"
	"github.com/xaionaro-go/hwencoder/backend/simulated"
	"github.com/xaionaro-go/hwencoder/gpu"
	"github.com/xaionaro-go/hwencoder/gpu/softgpu"
	"github.com/xaionaro-go/hwencoder/metrics"
	"github.com/xaionaro-go/hwencoder/session"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/xpath"
)

func main() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "syntax: %s [flags] <output-path>\n", os.Args[0])
		pflag.PrintDefaults()
	}

	loggerLevel := logger.LevelWarning
	pflag.Var(&loggerLevel, "log-level", "Log level")
	configPath := pflag.String("config", "", "a YAML file with the encode config; flags override it")
	backendName := pflag.String("backend", "simulated", "simulated|libav")
	codecName := pflag.String("codec-name", "", "overrides the libavcodec encoder (e.g. h264_nvenc)")
	width := pflag.Uint32("width", 1920, "frame width")
	height := pflag.Uint32("height", 1080, "frame height")
	fps := pflag.Uint32("fps", 30, "frames per second")
	bitrate := pflag.Uint64("bitrate", 0, "bitrate in bits per second; zero selects constant QP")
	buffers := pflag.Uint32("buffers", 3, "the amount of encode buffers")
	frames := pflag.Uint("frames", 300, "the amount of frames to encode")
	selfTest := pflag.Bool("self-test", false, "only check that an encode session can be established")
	metricsAddr := pflag.String("metrics-listen-addr", "", "an address to expose Prometheus metrics at")
	netPprofAddr := pflag.String("net-pprof-listen-addr", "", "an address to listen for incoming net/pprof connections")
	pflag.Parse()
	if !*selfTest && len(pflag.Args()) != 1 {
		pflag.Usage()
		os.Exit(1)
	}

	l := logrus.Default().WithLevel(loggerLevel)
	ctx := logger.CtxWithLogger(context.Background(), l)
	ctx, cancelFn := signal.NotifyContext(ctx, os.Interrupt)
	defer cancelFn()
	logger.Default = func() logger.Logger {
		return l
	}
	defer belt.Flush(ctx)

	if *netPprofAddr != "" {
		observability.Go(ctx, func(context.Context) { l.Error(http.ListenAndServe(*netPprofAddr, nil)) })
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		observability.Go(ctx, func(context.Context) { l.Error(http.ListenAndServe(*metricsAddr, mux)) })
	}

	device := softgpu.New()
	hardware := simulated.NewHardware()
	factory := session.NewFactory(device, func(ctx context.Context) (backend.Backend, error) {
		return newBackend(ctx, *backendName, hardware)
	}, session.OptionMetrics(m))

	if *selfTest {
		if err := factory.SelfTest(ctx); err != nil {
			l.Fatal(err)
		}
		fmt.Println("OK")
		return
	}

	var err error
	cfg := hwencoder.EncodeConfig{}
	if *configPath != "" {
		cfg, err = readConfig(*configPath)
		if err != nil {
			l.Fatal(err)
		}
	}
	cfg.OutputPath, err = xpath.Expand(pflag.Arg(0))
	if err != nil {
		l.Fatal(err)
	}
	flagSet := pflag.CommandLine
	if *configPath == "" || flagSet.Changed("width") {
		cfg.Width = *width
	}
	if *configPath == "" || flagSet.Changed("height") {
		cfg.Height = *height
	}
	if *configPath == "" || flagSet.Changed("fps") {
		cfg.FPS = *fps
	}
	if *configPath == "" || flagSet.Changed("buffers") {
		cfg.BufferCount = *buffers
	}
	if flagSet.Changed("bitrate") && *bitrate != 0 {
		cfg.Quality = ptr(hwencoder.VideoQualityConstantBitrate(*bitrate))
	}
	if *codecName != "" {
		cfg.CustomOptions = append(cfg.CustomOptions, hwencoder.BackendOptions{
			libav.OptionKeyCodecName: *codecName,
		})
	}

	s, err := factory.NewSession(ctx)
	if err != nil {
		l.Fatal(err)
	}
	if err := s.Configure(ctx, cfg); err != nil {
		l.Fatal(err)
	}

	l.Debugf("encoding %d frames into '%s'...", *frames, cfg.OutputPath)
	encodeErr := encodeSynthetic(ctx, device, s, cfg, *frames)
	if err := s.Flush(ctx); err != nil {
		l.Error(err)
	}
	if encodeErr != nil {
		l.Error(encodeErr)
	}

	stats := s.GetStats()
	fmt.Printf(
		"submitted:%d encoded:%d dropped:%d wrote:%d drains:%d\n",
		stats.FramesSubmitted, stats.FramesEncoded, stats.FramesDropped,
		stats.BytesWrote, stats.BackpressureDrains,
	)
}

func newBackend(
	ctx context.Context,
	name string,
	hardware *simulated.Hardware,
) (backend.Backend, error) {
	switch name {
	case "simulated":
		return simulated.New(hardware), nil
	case "libav":
		return libav.New(ctx)
	default:
		return nil, fmt.Errorf("unknown backend '%s'", name)
	}
}

func readConfig(path string) (hwencoder.EncodeConfig, error) {
	var cfg hwencoder.EncodeConfig
	path, err := xpath.Expand(path)
	if err != nil {
		return cfg, fmt.Errorf("unable to expand path '%s': %w", path, err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("unable to read '%s': %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("unable to parse '%s': %w", path, err)
	}
	return cfg, nil
}

// encodeSynthetic renders a moving gradient and submits it frame by frame.
func encodeSynthetic(
	ctx context.Context,
	device *softgpu.Device,
	s *session.Session,
	cfg hwencoder.EncodeConfig,
	frames uint,
) error {
	cfg = cfg.WithDefaults()
	tex, err := device.NewTextureFromPixels(ctx, gpu.TextureDescriptor{
		Label: "synthetic",
		Size: gputypes.Extent3D{
			Width:              cfg.Width,
			Height:             cfg.Height,
			DepthOrArrayLayers: 1,
		},
		Format: session.TextureFormat(cfg.InputFormat),
		Usage:  gputypes.TextureUsageCopySrc,
	}, make([]byte, int(cfg.Width)*int(cfg.Height)*4))
	if err != nil {
		return fmt.Errorf("unable to create the frame texture: %w", err)
	}
	defer device.ReleaseTexture(ctx, tex)

	pixels := make([]byte, int(cfg.Width)*int(cfg.Height)*4)
	for idx := uint(0); idx < frames; idx++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		for y := 0; y < int(cfg.Height); y++ {
			for x := 0; x < int(cfg.Width); x++ {
				p := pixels[(y*int(cfg.Width)+x)*4:]
				p[0] = byte(x + int(idx))
				p[1] = byte(y + int(idx))
				p[2] = byte(idx)
				p[3] = 0xff
			}
		}
		if err := tex.WritePixels(pixels); err != nil {
			return err
		}
		if err := s.SubmitFrame(ctx, tex); err != nil {
			logger.Errorf(ctx, "unable to submit frame %d: %v", idx, err)
			if s.State(ctx) == session.StateReleased {
				return err
			}
		}
	}
	return nil
}

func ptr[T any](in T) *T {
	return &in
}
