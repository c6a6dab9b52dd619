package udp

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProbe(t *testing.T) {
	probe := NewProbe(0x01020304)
	assert.Equal(t, []byte{1, 2, 3, 4}, probe[:4])
	assert.Equal(t, make([]byte, 66), probe[4:])
}

func TestParseDiscovery(t *testing.T) {
	const ssrc = 0xC0FFEE

	reply := make([]byte, DiscoveryPacketSize)
	binary.BigEndian.PutUint32(reply[0:4], ssrc)
	copy(reply[4:68], "203.0.113.5")
	binary.LittleEndian.PutUint16(reply[68:70], 50000)

	ip, port, err := ParseDiscovery(reply, ssrc)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.5", ip)
	assert.Equal(t, uint16(50000), port)

	_, _, err = ParseDiscovery(reply, ssrc+1)
	assert.ErrorIs(t, err, ErrBadDiscovery)

	_, _, err = ParseDiscovery(reply[:69], ssrc)
	assert.ErrorIs(t, err, ErrBadDiscovery)

	copy(reply[4:68], "not an address")
	_, _, err = ParseDiscovery(reply, ssrc)
	assert.ErrorIs(t, err, ErrBadDiscovery)
}
