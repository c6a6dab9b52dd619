// Package codec adapts a PCM codec primitive to fixed-size voice frames.
//
// The primitive is chosen at build time: building with the "opus" tag links
// layeh.com/gopus. Without it, a Primitive must be injected through New.
package codec

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrInvalidSampleRate    = errors.New("sample rate must be 8000, 12000, 16000, 24000 or 48000")
	ErrInvalidChannels      = errors.New("channel count must be 1 or 2")
	ErrInvalidFrameDuration = errors.New("frame duration must be 2.5, 5, 10, 20, 40 or 60ms")
	// ErrFrameTooLarge is returned when the PCM is larger than one frame.
	ErrFrameTooLarge = errors.New("PCM is larger than a frame")
	// ErrNoPrimitive is returned when no primitive is linked in or injected.
	ErrNoPrimitive = errors.New("no codec primitive; build with -tags opus or inject one")
)

// Config describes the PCM format: interleaved signed 16-bit little-endian
// samples.
type Config struct {
	SampleRate    int
	Channels      int
	FrameDuration time.Duration
}

// DefaultConfig is 20ms of 48kHz stereo.
var DefaultConfig = Config{
	SampleRate:    48000,
	Channels:      2,
	FrameDuration: 20 * time.Millisecond,
}

// Validate checks the sample rate, channel count and frame duration.
func (c Config) Validate() error {
	switch c.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return errors.Wrapf(ErrInvalidSampleRate, "got %d", c.SampleRate)
	}

	switch c.Channels {
	case 1, 2:
	default:
		return errors.Wrapf(ErrInvalidChannels, "got %d", c.Channels)
	}

	switch c.FrameDuration {
	case 2500 * time.Microsecond,
		5 * time.Millisecond,
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		60 * time.Millisecond:
	default:
		return errors.Wrapf(ErrInvalidFrameDuration, "got %v", c.FrameDuration)
	}

	return nil
}

// SamplesPerFrame returns the number of samples per channel in one frame.
func (c Config) SamplesPerFrame() int {
	return int(int64(c.SampleRate) * int64(c.FrameDuration) / int64(time.Second))
}

// FrameSize returns the PCM byte size of one frame.
func (c Config) FrameSize() int {
	return c.SamplesPerFrame() * c.Channels * 2
}

// Primitive is the underlying codec. frameSize is in samples per channel.
type Primitive interface {
	Encode(pcm []int16, frameSize int) ([]byte, error)
	Decode(data []byte, frameSize int) ([]int16, error)
}

// Factory creates a Primitive for a validated Config.
type Factory func(Config) (Primitive, error)

// DefaultFactory is the primitive linked in at build time. It is nil unless
// the package is built with the "opus" tag.
var DefaultFactory Factory

// Adapter encodes and decodes single frames. It is not safe for concurrent
// use; the encoder and decoder sides each keep their own scratch buffers.
type Adapter struct {
	cfg  Config
	prim Primitive

	encPCM []int16
	decPCM []byte
}

// New creates an Adapter. A nil factory uses DefaultFactory.
func New(cfg Config, factory Factory) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if factory == nil {
		factory = DefaultFactory
	}
	if factory == nil {
		return nil, ErrNoPrimitive
	}

	prim, err := factory(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create codec primitive")
	}

	return &Adapter{
		cfg:    cfg,
		prim:   prim,
		encPCM: make([]int16, cfg.FrameSize()/2),
		decPCM: make([]byte, cfg.FrameSize()),
	}, nil
}

// Config returns the adapter configuration.
func (a *Adapter) Config() Config { return a.cfg }

// Encode compresses one frame of PCM. Shorter input is padded with silence.
func (a *Adapter) Encode(pcm []byte) ([]byte, error) {
	if len(pcm) > a.cfg.FrameSize() {
		return nil, errors.Wrapf(ErrFrameTooLarge, "%d > %d bytes", len(pcm), a.cfg.FrameSize())
	}

	for i := range a.encPCM {
		switch off := i * 2; {
		case off+1 < len(pcm):
			a.encPCM[i] = int16(binary.LittleEndian.Uint16(pcm[off:]))
		case off < len(pcm):
			a.encPCM[i] = int16(pcm[off])
		default:
			a.encPCM[i] = 0
		}
	}

	b, err := a.prim.Encode(a.encPCM, a.cfg.SamplesPerFrame())
	if err != nil {
		return nil, errors.Wrap(err, "cannot encode frame")
	}

	return b, nil
}

// Decode decompresses one frame into PCM. The returned slice is reused by the
// next call.
func (a *Adapter) Decode(data []byte) ([]byte, error) {
	samples, err := a.prim.Decode(data, a.cfg.SamplesPerFrame())
	if err != nil {
		return nil, errors.Wrap(err, "cannot decode frame")
	}

	if len(samples)*2 > len(a.decPCM) {
		samples = samples[:len(a.decPCM)/2]
	}

	out := a.decPCM[:len(samples)*2]
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}

	return out, nil
}
