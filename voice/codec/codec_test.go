package codec_test

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/diamondburned/voicecore/voice/codec"
	"github.com/diamondburned/voicecore/voice/udp"
)

// pcmPrimitive stores samples verbatim, which makes the codec lossless.
type pcmPrimitive struct{}

func pcmFactory(codec.Config) (codec.Primitive, error) { return pcmPrimitive{}, nil }

func (pcmPrimitive) Encode(pcm []int16, frameSize int) ([]byte, error) {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b, nil
}

func (pcmPrimitive) Decode(data []byte, frameSize int) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, errors.New("odd payload")
	}
	pcm := make([]int16, len(data)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return pcm, nil
}

func TestConfig(t *testing.T) {
	cfg := codec.DefaultConfig
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 960, cfg.SamplesPerFrame())
	assert.Equal(t, 3840, cfg.FrameSize())

	mono := codec.Config{SampleRate: 16000, Channels: 1, FrameDuration: 10 * time.Millisecond}
	require.NoError(t, mono.Validate())
	assert.Equal(t, 160, mono.SamplesPerFrame())
	assert.Equal(t, 320, mono.FrameSize())

	tests := []struct {
		cfg  codec.Config
		want error
	}{
		{codec.Config{SampleRate: 44100, Channels: 2, FrameDuration: 20 * time.Millisecond}, codec.ErrInvalidSampleRate},
		{codec.Config{SampleRate: 48000, Channels: 3, FrameDuration: 20 * time.Millisecond}, codec.ErrInvalidChannels},
		{codec.Config{SampleRate: 48000, Channels: 2, FrameDuration: 15 * time.Millisecond}, codec.ErrInvalidFrameDuration},
	}

	for _, test := range tests {
		assert.ErrorIs(t, test.cfg.Validate(), test.want)
		_, err := codec.New(test.cfg, pcmFactory)
		assert.ErrorIs(t, err, test.want)
	}
}

func TestNoPrimitive(t *testing.T) {
	if codec.DefaultFactory != nil {
		t.Skip("built with a codec primitive")
	}

	_, err := codec.New(codec.DefaultConfig, nil)
	assert.ErrorIs(t, err, codec.ErrNoPrimitive)
}

func TestEncodeTooLarge(t *testing.T) {
	a, err := codec.New(codec.DefaultConfig, pcmFactory)
	require.NoError(t, err)

	_, err = a.Encode(make([]byte, 3841))
	assert.ErrorIs(t, err, codec.ErrFrameTooLarge)
}

func TestRoundTrip(t *testing.T) {
	a, err := codec.New(codec.DefaultConfig, pcmFactory)
	require.NoError(t, err)

	key := [32]byte{0: 0x42, 31: 0x24}
	sealer, err := udp.NewSealer(key)
	require.NoError(t, err)

	packetizer := udp.NewPacketizer(0xC0FFEE, uint32(a.Config().SamplesPerFrame()))
	header := make([]byte, udp.HeaderSize)

	rapid.Check(t, func(t *rapid.T) {
		pcm := rapid.SliceOfN(rapid.Byte(), 0, 3840).Draw(t, "pcm")

		encoded, err := a.Encode(pcm)
		if err != nil {
			t.Fatal(err)
		}

		h, err := packetizer.Next(header)
		if err != nil {
			t.Fatal(err)
		}

		packet, err := sealer.Seal(nil, h, encoded)
		if err != nil {
			t.Fatal(err)
		}

		_, payload, err := udp.Open(key, packet)
		if err != nil {
			t.Fatal(err)
		}

		decoded, err := a.Decode(payload)
		if err != nil {
			t.Fatal(err)
		}

		if len(decoded) != 3840 {
			t.Fatalf("decoded %d bytes", len(decoded))
		}
		if !bytes.Equal(decoded[:len(pcm)], pcm) {
			t.Fatal("decoded PCM differs")
		}
		if !bytes.Equal(decoded[len(pcm):], make([]byte, 3840-len(pcm))) {
			t.Fatal("padding is not silence")
		}

		bit := rapid.IntRange(udp.HeaderSize*8, len(packet)*8-1).Draw(t, "bit")
		packet[bit/8] ^= 1 << (bit % 8)

		if _, _, err := udp.Open(key, packet); !errors.Is(err, udp.ErrDecryptionFailed) {
			t.Fatalf("flipped bit %d: %v", bit, err)
		}
	})
}
