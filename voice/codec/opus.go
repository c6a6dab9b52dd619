//go:build opus

package codec

import (
	"github.com/pkg/errors"
	"layeh.com/gopus"
)

func init() {
	DefaultFactory = newOpus
}

type opusPrimitive struct {
	enc *gopus.Encoder
	dec *gopus.Decoder
	max int
}

func newOpus(cfg Config) (Primitive, error) {
	enc, err := gopus.NewEncoder(cfg.SampleRate, cfg.Channels, gopus.Audio)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create opus encoder")
	}

	dec, err := gopus.NewDecoder(cfg.SampleRate, cfg.Channels)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create opus decoder")
	}

	return &opusPrimitive{enc: enc, dec: dec, max: cfg.FrameSize()}, nil
}

func (p *opusPrimitive) Encode(pcm []int16, frameSize int) ([]byte, error) {
	return p.enc.Encode(pcm, frameSize, p.max)
}

func (p *opusPrimitive) Decode(data []byte, frameSize int) ([]int16, error) {
	return p.dec.Decode(data, frameSize, false)
}
