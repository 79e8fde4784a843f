package hwencoder

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/xaionaro-go/hwencoder/backend"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxResolution       = 4096
	DefaultBitstreamBufferSize = 2 * 1024 * 1024
	DefaultFlushTimeout        = 500 * time.Millisecond
	DefaultQP                  = 28
)

type Resolution struct {
	Width  uint32 `yaml:"width"`
	Height uint32 `yaml:"height"`
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

func (r Resolution) Fits(limit Resolution) bool {
	return r.Width <= limit.Width && r.Height <= limit.Height
}

type EncodeConfig struct {
	OutputPath string `yaml:"output_path"`
	Width      uint32 `yaml:"width"`
	Height     uint32 `yaml:"height"`
	FPS        uint32 `yaml:"fps"`

	Codec   VideoCodec   `yaml:"codec,omitempty"`
	Quality VideoQuality `yaml:"quality,omitempty"`

	// GOPLength of zero means an infinite GOP.
	GOPLength   uint32               `yaml:"gop_length,omitempty"`
	InputFormat backend.BufferFormat `yaml:"input_format,omitempty"`

	BufferCount         uint32        `yaml:"buffer_count,omitempty"`
	BitstreamBufferSize uint32        `yaml:"bitstream_buffer_size,omitempty"`
	MaxResolution       Resolution    `yaml:"max_resolution,omitempty"`
	FlushTimeout        time.Duration `yaml:"flush_timeout,omitempty"`

	CustomOptions CustomOptions `yaml:"-"`
}

// DefaultEncodeConfig returns H.264 with an infinite GOP, ABGR input and a
// single encode buffer. A zero bitrate selects constant QP 28.
func DefaultEncodeConfig(outputPath string, width, height uint32, bitrate uint64, fps uint32) EncodeConfig {
	cfg := EncodeConfig{
		OutputPath:          outputPath,
		Width:               width,
		Height:              height,
		FPS:                 fps,
		Codec:               VideoCodecH264,
		Quality:             ptr(VideoQualityConstantQP(DefaultQP)),
		InputFormat:         backend.BufferFormatABGR,
		BufferCount:         1,
		BitstreamBufferSize: DefaultBitstreamBufferSize,
		MaxResolution:       Resolution{Width: DefaultMaxResolution, Height: DefaultMaxResolution},
		FlushTimeout:        DefaultFlushTimeout,
	}
	if bitrate != 0 {
		cfg.Quality = ptr(VideoQualityConstantBitrate(bitrate))
	}
	return cfg
}

// WithDefaults fills every unset optional field.
func (cfg EncodeConfig) WithDefaults() EncodeConfig {
	if cfg.Codec == VideoCodecUndefined {
		cfg.Codec = VideoCodecH264
	}
	if cfg.Quality == nil {
		cfg.Quality = ptr(VideoQualityConstantQP(DefaultQP))
	}
	if cfg.InputFormat == backend.BufferFormatUndefined {
		cfg.InputFormat = backend.BufferFormatABGR
	}
	if cfg.BufferCount == 0 {
		cfg.BufferCount = 1
	}
	if cfg.BitstreamBufferSize == 0 {
		cfg.BitstreamBufferSize = DefaultBitstreamBufferSize
	}
	if cfg.MaxResolution == (Resolution{}) {
		cfg.MaxResolution = Resolution{Width: DefaultMaxResolution, Height: DefaultMaxResolution}
	}
	if cfg.FlushTimeout == 0 {
		cfg.FlushTimeout = DefaultFlushTimeout
	}
	return cfg
}

func (cfg EncodeConfig) Resolution() Resolution {
	return Resolution{Width: cfg.Width, Height: cfg.Height}
}

// Validate checks the values that do not require touching the output path.
func (cfg EncodeConfig) Validate() error {
	if strings.TrimSpace(cfg.OutputPath) == "" {
		return fmt.Errorf("%w: the output path is empty", ErrConfiguration)
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return fmt.Errorf("%w: invalid dimensions %dx%d", ErrConfiguration, cfg.Width, cfg.Height)
	}
	if cfg.FPS == 0 {
		return fmt.Errorf("%w: fps is zero", ErrConfiguration)
	}
	if cfg.Codec != VideoCodecH264 && cfg.Codec != VideoCodecHEVC {
		return fmt.Errorf("%w: unsupported codec %s", ErrConfiguration, cfg.Codec.String())
	}
	if cfg.InputFormat <= backend.BufferFormatUndefined || cfg.InputFormat >= backend.EndOfBufferFormat {
		return fmt.Errorf("%w: unsupported input format %s", ErrConfiguration, cfg.InputFormat)
	}
	if cfg.BufferCount == 0 {
		return fmt.Errorf("%w: buffer count is zero", ErrConfiguration)
	}
	if cfg.BitstreamBufferSize == 0 {
		return fmt.Errorf("%w: bitstream buffer size is zero", ErrConfiguration)
	}
	return nil
}

// EncoderParams translates the config into what the backend consumes.
func (cfg EncodeConfig) EncoderParams(res Resolution) backend.EncoderParams {
	params := backend.EncoderParams{
		Width:       res.Width,
		Height:      res.Height,
		FPS:         cfg.FPS,
		GOPLength:   cfg.GOPLength,
		InputFormat: cfg.InputFormat,
		RateControl: backend.RateControlConstQP,
		QP:          DefaultQP,
	}
	switch cfg.Codec {
	case VideoCodecH264:
		params.Codec = backend.CodecH264
	case VideoCodecHEVC:
		params.Codec = backend.CodecHEVC
	}
	switch q := cfg.Quality.(type) {
	case *VideoQualityConstantBitrate:
		params.RateControl = backend.RateControlCBR
		params.Bitrate = uint64(*q)
	case *VideoQualityConstantQP:
		params.RateControl = backend.RateControlConstQP
		params.QP = uint32(*q)
	}
	if items, ok := GetCustomOption[BackendOptions](cfg.CustomOptions); ok {
		params.Options = maps.Clone(map[string]string(items))
	}
	return params
}

func (c *EncodeConfig) UnmarshalYAML(b []byte) (_err error) {
	m := map[string]any{}
	err := yaml.Unmarshal(b, &m)
	if err != nil {
		return fmt.Errorf("unable to unmarshal EncodeConfig bytes to a map: %w", err)
	}
	quality := m["quality"]
	delete(m, "quality")
	b, err = yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("unable to remarshal back to EncodeConfig from the map: %w", err)
	}
	err = yaml.Unmarshal(b, c)
	if err != nil {
		return fmt.Errorf("unable to un-YAML-ize: %w", err)
	}
	if quality != nil {
		sb, err := yaml.Marshal(quality)
		if err != nil {
			return fmt.Errorf("unable to remarshal the 'quality' field: %w", err)
		}
		s := videoQualitySerializable{}
		err = yaml.Unmarshal(sb, &s)
		if err != nil {
			return fmt.Errorf("unable to un-YAML-ize the 'quality' field: %w", err)
		}
		c.Quality, err = s.Convert()
		if err != nil {
			return fmt.Errorf("unable to convert the 'quality' field: %w", err)
		}
	}
	return nil
}

func (c *EncodeConfig) MarshalYAML() ([]byte, error) {
	cpy := *c
	if cpy.Quality != nil {
		cpy.Quality = cpy.Quality.serializable()
	}
	return yaml.Marshal(cpy)
}

type VideoQuality interface {
	videoQuality()
	typeName() string
	serializable() videoQualitySerializable
	setValues(vq videoQualitySerializable) error
}

type VideoQualityConstantBitrate uint64

func (VideoQualityConstantBitrate) typeName() string {
	return "constant_bitrate"
}

func (VideoQualityConstantBitrate) videoQuality() {}

func (vq VideoQualityConstantBitrate) serializable() videoQualitySerializable {
	return videoQualitySerializable{
		"type":    vq.typeName(),
		"bitrate": uint64(vq),
	}
}

func (vq *VideoQualityConstantBitrate) setValues(in videoQualitySerializable) error {
	bitrate, ok := toUint64(in["bitrate"])
	if !ok {
		return fmt.Errorf("have not found an integer value using key 'bitrate' in %#+v", in)
	}

	*vq = VideoQualityConstantBitrate(bitrate)
	return nil
}

// VideoQualityConstantQP is the constant quantization parameter mode.
type VideoQualityConstantQP uint8

func (VideoQualityConstantQP) typeName() string {
	return "constant_qp"
}

func (VideoQualityConstantQP) videoQuality() {}

func (vq VideoQualityConstantQP) serializable() videoQualitySerializable {
	return videoQualitySerializable{
		"type": vq.typeName(),
		"qp":   uint64(vq),
	}
}

func (vq *VideoQualityConstantQP) setValues(in videoQualitySerializable) error {
	qp, ok := toUint64(in["qp"])
	if !ok || qp > 51 {
		return fmt.Errorf("have not found a valid QP value using key 'qp' in %#+v", in)
	}

	*vq = VideoQualityConstantQP(qp)
	return nil
}

type videoQualitySerializable map[string]any

func (videoQualitySerializable) videoQuality() {}

func (vq videoQualitySerializable) typeName() string {
	result, _ := vq["type"].(string)
	return result
}

func (vq videoQualitySerializable) serializable() videoQualitySerializable {
	return vq
}

func (vq videoQualitySerializable) setValues(in videoQualitySerializable) error {
	for k := range vq {
		delete(vq, k)
	}
	maps.Copy(vq, in)
	return nil
}

func (vq videoQualitySerializable) Convert() (VideoQuality, error) {
	typeName, ok := vq["type"].(string)
	if !ok {
		return nil, nil
	}

	var r VideoQuality
	for _, sample := range []VideoQuality{
		ptr(VideoQualityConstantBitrate(0)),
		ptr(VideoQualityConstantQP(0)),
	} {
		if sample.typeName() == typeName {
			r = sample
			break
		}
	}
	if r == nil {
		return nil, fmt.Errorf("unknown type '%s'", typeName)
	}

	if err := r.setValues(vq); err != nil {
		return nil, fmt.Errorf("unable to convert the value (vq): %w", err)
	}
	return r, nil
}

func toUint64(v any) (uint64, bool) {
	switch v := v.(type) {
	case int:
		return uint64(v), v >= 0
	case int64:
		return uint64(v), v >= 0
	case uint64:
		return v, true
	case float64:
		return uint64(v), v >= 0
	}
	return 0, false
}

func ptr[T any](in T) *T {
	return &in
}

type VideoCodec uint

const (
	VideoCodecUndefined = VideoCodec(iota)
	VideoCodecH264
	VideoCodecHEVC
	EndOfVideoCodec
)

func (vc VideoCodec) String() string {
	switch vc {
	case VideoCodecUndefined:
		return "<undefined>"
	case VideoCodecH264:
		return "h264"
	case VideoCodecHEVC:
		return "hevc"
	}
	return fmt.Sprintf("unexpected_video_codec_id_%d", uint(vc))
}

func (vc VideoCodec) MarshalYAML() (any, error) {
	return vc.String(), nil
}

func (vc *VideoCodec) UnmarshalYAML(node *yaml.Node) error {
	if vc == nil {
		return fmt.Errorf("VideoCodec is nil")
	}
	s := strings.ToLower(strings.TrimSpace(node.Value))
	for cmp := VideoCodecUndefined; cmp < EndOfVideoCodec; cmp++ {
		if cmp.String() == s {
			*vc = cmp
			return nil
		}
	}
	return fmt.Errorf("unknown value of the VideoCodec: '%s'", s)
}
