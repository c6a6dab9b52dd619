package udp

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DiscoveryPacketSize is the size of both the IP discovery probe and reply.
const DiscoveryPacketSize = 70

// ErrBadDiscovery is returned for a malformed IP discovery reply.
var ErrBadDiscovery = errors.New("malformed IP discovery reply")

// NewProbe creates an IP discovery probe: the big-endian SSRC followed by
// zeroes.
func NewProbe(ssrc uint32) [DiscoveryPacketSize]byte {
	var probe [DiscoveryPacketSize]byte
	binary.BigEndian.PutUint32(probe[0:4], ssrc)
	return probe
}

// ParseDiscovery parses an IP discovery reply. Bytes 4 to 67 hold the
// NUL-padded external IP and bytes 68 to 69 the little-endian external port.
func ParseDiscovery(reply []byte, ssrc uint32) (ip string, port uint16, err error) {
	if len(reply) != DiscoveryPacketSize {
		return "", 0, errors.Wrapf(ErrBadDiscovery, "got %d bytes", len(reply))
	}

	if got := binary.BigEndian.Uint32(reply[0:4]); got != ssrc {
		return "", 0, errors.Wrapf(ErrBadDiscovery, "ssrc mismatch: %d != %d", got, ssrc)
	}

	ipBody := reply[4:68]
	if i := bytes.IndexByte(ipBody, 0); i >= 0 {
		ipBody = ipBody[:i]
	}

	if net.ParseIP(string(ipBody)) == nil {
		return "", 0, errors.Wrapf(ErrBadDiscovery, "invalid IP %q", ipBody)
	}

	return string(ipBody), binary.LittleEndian.Uint16(reply[68:70]), nil
}

// Discover sends the IP discovery probe and waits for the reply. It must be
// called after Dial and before Start.
func (c *Connection) Discover(ctx context.Context) (ip string, port uint16, err error) {
	conn := c.socket()
	if conn == nil {
		return "", 0, ErrClosed
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.DiscoveryTimeout)
		defer cancel()
	}

	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()
	defer conn.SetReadDeadline(time.Time{})

	probe := NewProbe(c.ssrc)
	if _, err := conn.Write(probe[:]); err != nil {
		return "", 0, errors.Wrap(err, "failed to write discovery probe")
	}

	var reply [DiscoveryPacketSize]byte

	n, err := conn.Read(reply[:])
	if err != nil {
		if ctx.Err() != nil {
			return "", 0, errors.Wrap(ctx.Err(), "failed to read discovery reply")
		}
		return "", 0, errors.Wrap(err, "failed to read discovery reply")
	}

	ip, port, err = ParseDiscovery(reply[:n], c.ssrc)
	if err != nil {
		return "", 0, err
	}

	c.logger.Debug("discovered external address", zap.String("ip", ip), zap.Uint16("port", port))
	return ip, port, nil
}
