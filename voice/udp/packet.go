package udp

import (
	"github.com/pion/rtp"
	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// HeaderSize is the size of the RTP header.
	HeaderSize = 12
	// PayloadType is the RTP payload type for voice data.
	PayloadType = 0x78
)

var (
	// ErrEncryption is returned when a frame cannot be sealed. The frame is
	// dropped.
	ErrEncryption = errors.New("cannot encrypt voice frame")
	// ErrDecryptionFailed is returned by Open for a forged or corrupted packet.
	ErrDecryptionFailed = errors.New("cannot decrypt voice packet")
)

// Packetizer writes RTP headers with modular sequence and timestamp
// counters. Both counters wrap silently.
type Packetizer struct {
	header  rtp.Header
	samples uint32
}

// NewPacketizer creates a packetizer for the given SSRC. The timestamp
// advances by samplesPerFrame on every packet.
func NewPacketizer(ssrc uint32, samplesPerFrame uint32) *Packetizer {
	return &Packetizer{
		header: rtp.Header{
			Version:     2,
			PayloadType: PayloadType,
			SSRC:        ssrc,
		},
		samples: samplesPerFrame,
	}
}

// SetSequence sets the next sequence number.
func (p *Packetizer) SetSequence(seq uint16) { p.header.SequenceNumber = seq }

// SetTimestamp sets the next timestamp.
func (p *Packetizer) SetTimestamp(ts uint32) { p.header.Timestamp = ts }

// Sequence returns the next sequence number.
func (p *Packetizer) Sequence() uint16 { return p.header.SequenceNumber }

// Timestamp returns the next timestamp.
func (p *Packetizer) Timestamp() uint32 { return p.header.Timestamp }

// Next writes the next header into dst, which must hold HeaderSize bytes, and
// advances the counters.
func (p *Packetizer) Next(dst []byte) ([]byte, error) {
	n, err := p.header.MarshalTo(dst[:HeaderSize])
	if err != nil {
		return nil, errors.Wrap(err, "cannot marshal RTP header")
	}

	p.header.SequenceNumber++
	p.header.Timestamp += p.samples

	return dst[:n], nil
}

// Sealer encrypts voice frames with xsalsa20_poly1305. The nonce is the RTP
// header followed by 12 zero bytes.
type Sealer struct {
	key   [32]byte
	nonce [24]byte
}

// NewSealer creates a sealer. An all-zero key is rejected.
func NewSealer(key [32]byte) (*Sealer, error) {
	if key == ([32]byte{}) {
		return nil, errors.Wrap(ErrEncryption, "empty secret key")
	}
	return &Sealer{key: key}, nil
}

// Seal appends the header and the sealed payload to dst.
func (s *Sealer) Seal(dst, header, payload []byte) ([]byte, error) {
	if len(header) != HeaderSize {
		return nil, errors.Wrapf(ErrEncryption, "header is %d bytes", len(header))
	}

	copy(s.nonce[:HeaderSize], header)

	dst = append(dst, header...)
	return secretbox.Seal(dst, payload, &s.nonce, &s.key), nil
}

// Open decrypts a packet produced by Seal, returning the header and payload.
func Open(key [32]byte, packet []byte) (header, payload []byte, err error) {
	if len(packet) < HeaderSize+secretbox.Overhead {
		return nil, nil, errors.Wrap(ErrDecryptionFailed, "packet too short")
	}

	var nonce [24]byte
	copy(nonce[:], packet[:HeaderSize])

	payload, ok := secretbox.Open(nil, packet[HeaderSize:], &nonce, &key)
	if !ok {
		return nil, nil, ErrDecryptionFailed
	}

	return packet[:HeaderSize], payload, nil
}
