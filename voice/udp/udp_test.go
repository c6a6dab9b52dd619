package udp

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type copyEncoder struct{}

func (copyEncoder) Encode(pcm []byte) ([]byte, error) {
	return append([]byte(nil), pcm...), nil
}

type testServer struct {
	conn    *net.UDPConn
	packets chan []byte
}

func newTestServer(t *testing.T) *testServer {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	s := &testServer{conn: conn, packets: make(chan []byte, 64)}

	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if n == DiscoveryPacketSize {
				reply := make([]byte, DiscoveryPacketSize)
				copy(reply, buf[:4])
				copy(reply[4:], "203.0.113.5")
				binary.LittleEndian.PutUint16(reply[68:], 50000)
				conn.WriteToUDP(reply, addr)
				continue
			}
			s.packets <- append([]byte(nil), buf[:n]...)
		}
	}()

	return s
}

func (s *testServer) addr() string { return s.conn.LocalAddr().String() }

func (s *testServer) next(t *testing.T) []byte {
	t.Helper()
	select {
	case p := <-s.packets:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
		return nil
	}
}

func testOpts(t *testing.T) Opts {
	return Opts{
		FrameDuration:   5 * time.Millisecond,
		FrameSize:       8,
		SamplesPerFrame: 4,
		Encoder:         copyEncoder{},
		Logger:          zaptest.NewLogger(t),
	}
}

var testKey = [32]byte{0: 1, 31: 2}

func dialTest(t *testing.T, srv *testServer, opts Opts) *Connection {
	c := NewConnection(0xABCD, opts)
	t.Cleanup(func() { c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, c.Dial(ctx, srv.addr()))
	return c
}

func TestConnectionDiscover(t *testing.T) {
	srv := newTestServer(t)
	c := dialTest(t, srv, testOpts(t))

	ip, port, err := c.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.5", ip)
	assert.Equal(t, uint16(50000), port)
}

func TestConnectionDiscoverTimeout(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()

	c := NewConnection(1, testOpts(t))
	defer c.Close()
	require.NoError(t, c.Dial(context.Background(), conn.LocalAddr().String()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err = c.Discover(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConnectionStartRequiresSecret(t *testing.T) {
	srv := newTestServer(t)
	c := dialTest(t, srv, testOpts(t))

	assert.ErrorIs(t, c.Start(), ErrNoSecret)
	assert.ErrorIs(t, c.UseSecret([32]byte{}), ErrEncryption)
}

func TestConnectionSend(t *testing.T) {
	srv := newTestServer(t)
	c := dialTest(t, srv, testOpts(t))

	c.packetizer.SetSequence(65535)

	require.NoError(t, c.UseSecret(testKey))
	require.NoError(t, c.Start())

	require.NoError(t, c.Enqueue([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}))

	var seqs []uint16
	var payloads [][]byte

	for i := 0; i < 2; i++ {
		header, payload, err := Open(testKey, srv.next(t))
		require.NoError(t, err)

		assert.Equal(t, byte(0x80), header[0])
		assert.Equal(t, byte(0x78), header[1])
		assert.Equal(t, uint32(0xABCD), binary.BigEndian.Uint32(header[8:12]))

		seqs = append(seqs, binary.BigEndian.Uint16(header[2:4]))
		payloads = append(payloads, payload)
	}

	assert.Equal(t, []uint16{65535, 0}, seqs)
	assert.Equal(t, [][]byte{
		{1, 2, 3, 4, 5, 6, 7, 8},
		{9, 10, 11, 12, 13, 14, 15, 16},
	}, payloads)

	// A partial frame is only sent when flushing.
	require.NoError(t, c.Enqueue([]byte{1, 2, 3}))
	select {
	case <-srv.packets:
		t.Fatal("partial frame sent without flush")
	case <-time.After(50 * time.Millisecond):
	}

	c.Flush()

	_, payload, err := Open(testKey, srv.next(t))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 0, 0, 0, 0, 0}, payload)

	require.NoError(t, c.Close())
	assert.NoError(t, c.Err())
	assert.ErrorIs(t, c.Enqueue([]byte{1}), ErrClosed)
}

func TestConnectionPause(t *testing.T) {
	srv := newTestServer(t)
	c := dialTest(t, srv, testOpts(t))

	require.NoError(t, c.UseSecret(testKey))
	c.Pause(true)
	require.NoError(t, c.Start())
	require.NoError(t, c.Enqueue(make([]byte, 8)))

	select {
	case <-srv.packets:
		t.Fatal("packet sent while paused")
	case <-time.After(50 * time.Millisecond):
	}

	c.Pause(false)
	srv.next(t)
}

type failingConn struct {
	net.Conn
}

func (failingConn) Write([]byte) (int, error) {
	return 0, errors.New("network is unreachable")
}

type failingDialer struct{}

func (failingDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return failingConn{conn}, nil
}

func TestConnectionSocketError(t *testing.T) {
	srv := newTestServer(t)

	failed := make(chan error, 1)

	opts := testOpts(t)
	opts.Dialer = failingDialer{}
	opts.OnError = func(err error) { failed <- err }

	c := dialTest(t, srv, opts)
	require.NoError(t, c.UseSecret(testKey))
	require.NoError(t, c.Start())
	require.NoError(t, c.Enqueue(make([]byte, 8)))

	select {
	case err := <-failed:
		assert.Contains(t, err.Error(), "network is unreachable")
	case <-time.After(2 * time.Second):
		t.Fatal("socket error never reported")
	}

	<-c.Done()
	assert.Error(t, c.Err())
}
