package hwencoder

import (
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/hwencoder/backend"
)

func TestConfigMarshalUnmarshal(t *testing.T) {
	for _, quality := range []VideoQuality{
		ptr(VideoQualityConstantBitrate(1_000_000)),
		ptr(VideoQualityConstantQP(28)),
	} {
		t.Run(quality.typeName(), func(t *testing.T) {
			cfg := &EncodeConfig{
				OutputPath:          "/tmp/out.h264",
				Width:               1920,
				Height:              1080,
				FPS:                 30,
				Codec:               VideoCodecHEVC,
				Quality:             quality,
				GOPLength:           60,
				InputFormat:         backend.BufferFormatARGB,
				BufferCount:         3,
				BitstreamBufferSize: 1 << 20,
				MaxResolution:       Resolution{Width: 4096, Height: 2160},
				FlushTimeout:        250 * time.Millisecond,
			}

			b, err := yaml.Marshal(cfg)
			require.NoError(t, err)

			var cfgDup EncodeConfig
			err = yaml.Unmarshal(b, &cfgDup)
			require.NoError(t, err, string(b))

			require.Equal(t, cfg, &cfgDup, string(b))
		})
	}
}

func TestConfigUnmarshalUnknownQuality(t *testing.T) {
	var cfg EncodeConfig
	err := yaml.Unmarshal([]byte("output_path: a.h264\nquality:\n  type: vbr\n"), &cfg)
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	valid := DefaultEncodeConfig("out.h264", 1920, 1080, 1_000_000, 30)
	require.NoError(t, valid.Validate())

	for name, mutate := range map[string]func(*EncodeConfig){
		"empty_path":  func(cfg *EncodeConfig) { cfg.OutputPath = " " },
		"zero_width":  func(cfg *EncodeConfig) { cfg.Width = 0 },
		"zero_height": func(cfg *EncodeConfig) { cfg.Height = 0 },
		"zero_fps":    func(cfg *EncodeConfig) { cfg.FPS = 0 },
		"no_codec":    func(cfg *EncodeConfig) { cfg.Codec = VideoCodecUndefined },
		"no_format":   func(cfg *EncodeConfig) { cfg.InputFormat = backend.BufferFormatUndefined },
		"no_buffers":  func(cfg *EncodeConfig) { cfg.BufferCount = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrConfiguration), err)
		})
	}
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := EncodeConfig{OutputPath: "out.h264", Width: 640, Height: 480, FPS: 25}.WithDefaults()
	require.NoError(t, cfg.Validate())
	require.Equal(t, VideoCodecH264, cfg.Codec)
	require.Equal(t, ptr(VideoQualityConstantQP(DefaultQP)), cfg.Quality)
	require.Equal(t, backend.BufferFormatABGR, cfg.InputFormat)
	require.Equal(t, uint32(1), cfg.BufferCount)
	require.Equal(t, Resolution{Width: 4096, Height: 4096}, cfg.MaxResolution)
	require.Equal(t, 500*time.Millisecond, cfg.FlushTimeout)
}

func TestEncoderParams(t *testing.T) {
	cfg := DefaultEncodeConfig("out.h264", 1920, 1080, 0, 30)
	cfg.CustomOptions = append(cfg.CustomOptions,
		BackendOptions{"preset": "p1"},
		BackendOptions{"preset": "p4"},
	)
	params := cfg.EncoderParams(cfg.Resolution())
	require.Equal(t, backend.CodecH264, params.Codec)
	require.Equal(t, backend.RateControlConstQP, params.RateControl)
	require.Equal(t, uint32(28), params.QP)
	require.Equal(t, uint32(0), params.GOPLength)
	require.Equal(t, "p4", params.Options["preset"])

	cfg = DefaultEncodeConfig("out.h264", 1920, 1080, 5_000_000, 60)
	params = cfg.EncoderParams(Resolution{Width: 1280, Height: 720})
	require.Equal(t, backend.RateControlCBR, params.RateControl)
	require.Equal(t, uint64(5_000_000), params.Bitrate)
	require.Equal(t, uint32(1280), params.Width)
	require.Nil(t, params.Options)
}

func TestGetCustomOption(t *testing.T) {
	opts := CustomOptions{SessionName("first"), 42, SessionName("second")}
	name, ok := GetCustomOption[SessionName](opts)
	require.True(t, ok)
	require.Equal(t, SessionName("second"), name)

	_, ok = GetCustomOption[BackendOptions](opts)
	require.False(t, ok)
}
