// Package fakevoice runs an in-process voice server for tests: a websocket
// signaling endpoint and a UDP endpoint that answers IP discovery and records
// audio packets.
package fakevoice

import (
	"context"
	"encoding/binary"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/atomic"
	"nhooyr.io/websocket"

	"github.com/diamondburned/voicecore/utils/json"
)

// Config controls how the server answers.
type Config struct {
	// HeartbeatInterval is advertised in Hello, in milliseconds.
	HeartbeatInterval float64
	// NoHeartbeatAck stops the server from acknowledging heartbeats.
	NoHeartbeatAck bool
	// SSRC is sent in Ready.
	SSRC uint32
	// SecretKey is sent in SessionDescription.
	SecretKey [32]byte
	// Modes is sent in Ready.
	Modes []string
	// Silent lists op codes that the server reads but never answers.
	Silent map[int]bool
}

// Frame is a received signaling frame.
type Frame struct {
	Op int      `json:"op"`
	D  json.Raw `json:"d"`
}

// DefaultSecretKey is sent when Config has no SecretKey. An all-zero key is
// never valid.
var DefaultSecretKey = [32]byte{0: 1, 31: 1}

// Server is a fake voice server.
type Server struct {
	cfg Config
	t   testing.TB

	http *httptest.Server
	udp  *net.UDPConn

	frames  chan Frame
	packets chan []byte

	mu       sync.Mutex
	sessions []*websocket.Conn

	dials atomic.Int32
}

// New starts a server that is stopped on test cleanup.
func New(t testing.TB, cfg Config) *Server {
	t.Helper()

	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 41250
	}
	if cfg.SSRC == 0 {
		cfg.SSRC = 0xC0FFEE
	}
	if cfg.SecretKey == ([32]byte{}) {
		cfg.SecretKey = DefaultSecretKey
	}
	if cfg.Modes == nil {
		cfg.Modes = []string{"aead_aes256_gcm", "xsalsa20_poly1305"}
	}

	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal("cannot listen UDP:", err)
	}

	s := &Server{
		cfg:     cfg,
		t:       t,
		udp:     udp,
		frames:  make(chan Frame, 256),
		packets: make(chan []byte, 1024),
	}

	s.http = httptest.NewServer(http.HandlerFunc(s.serveWS))
	go s.serveUDP()

	t.Cleanup(func() {
		s.http.Close()
		udp.Close()
	})

	return s
}

// URL returns the websocket URL of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http") + "/?v=4"
}

// URLFunc returns a function that maps any endpoint to the server.
func (s *Server) URLFunc() func(string) (string, error) {
	return func(string) (string, error) { return s.URL(), nil }
}

// UDPPort returns the port of the UDP endpoint.
func (s *Server) UDPPort() int {
	return s.udp.LocalAddr().(*net.UDPAddr).Port
}

// Dials returns the number of accepted websocket connections.
func (s *Server) Dials() int { return int(s.dials.Load()) }

// Frames returns every frame sent by clients, in order.
func (s *Server) Frames() <-chan Frame { return s.frames }

// Packets returns every non-discovery UDP packet received.
func (s *Server) Packets() <-chan []byte { return s.packets }

// WaitFrame waits for the next frame with the given op code, discarding
// others.
func (s *Server) WaitFrame(ctx context.Context, op int) (Frame, error) {
	for {
		select {
		case f := <-s.frames:
			if f.Op == op {
				return f, nil
			}
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

// CloseActive closes every live signaling session with the given code.
func (s *Server) CloseActive(code int) {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = nil
	s.mu.Unlock()

	for _, c := range sessions {
		c.Close(websocket.StatusCode(code), "")
	}
}

// Send writes an op to every live signaling session.
func (s *Server) Send(ctx context.Context, op int, d interface{}) {
	s.mu.Lock()
	sessions := append([]*websocket.Conn(nil), s.sessions...)
	s.mu.Unlock()

	for _, c := range sessions {
		write(ctx, c, op, d)
	}
}

func write(ctx context.Context, c *websocket.Conn, op int, d interface{}) error {
	b, err := json.Marshal(map[string]interface{}{"op": op, "d": d})
	if err != nil {
		return err
	}
	return c.Write(ctx, websocket.MessageText, b)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.t.Log("fakevoice: cannot accept:", err)
		return
	}
	defer c.Close(websocket.StatusInternalError, "")

	s.dials.Inc()

	s.mu.Lock()
	s.sessions = append(s.sessions, c)
	s.mu.Unlock()

	ctx := r.Context()

	write(ctx, c, 8, map[string]float64{"heartbeat_interval": s.cfg.HeartbeatInterval})

	for {
		_, b, err := c.Read(ctx)
		if err != nil {
			return
		}

		var f Frame
		if err := json.Unmarshal(b, &f); err != nil {
			s.t.Log("fakevoice: bad frame:", err)
			continue
		}

		select {
		case s.frames <- f:
		default:
		}

		if s.cfg.Silent[f.Op] {
			continue
		}

		switch f.Op {
		case 0: // identify
			write(ctx, c, 2, map[string]interface{}{
				"ssrc":  s.cfg.SSRC,
				"ip":    "127.0.0.1",
				"port":  s.UDPPort(),
				"modes": s.cfg.Modes,
			})
		case 1: // select protocol
			write(ctx, c, 4, map[string]interface{}{
				"mode":       "xsalsa20_poly1305",
				"secret_key": s.cfg.SecretKey,
			})
		case 3: // heartbeat
			if !s.cfg.NoHeartbeatAck {
				write(ctx, c, 6, f.D)
			}
		case 7: // resume
			write(ctx, c, 9, nil)
		}
	}
}

func (s *Server) serveUDP() {
	buf := make([]byte, 1500)

	for {
		n, addr, err := s.udp.ReadFromUDP(buf)
		if err != nil {
			return
		}

		if n == 70 && isProbe(buf[:n]) {
			reply := make([]byte, 70)
			copy(reply[0:4], buf[0:4])
			copy(reply[4:68], addr.IP.String())
			binary.LittleEndian.PutUint16(reply[68:70], uint16(addr.Port))
			s.udp.WriteToUDP(reply, addr)
			continue
		}

		pkt := append([]byte(nil), buf[:n]...)
		select {
		case s.packets <- pkt:
		default:
		}
	}
}

func isProbe(b []byte) bool {
	for _, c := range b[4:] {
		if c != 0 {
			return false
		}
	}
	return true
}

// WaitPackets waits until n audio packets were received or the timeout
// passes, returning what was collected.
func (s *Server) WaitPackets(n int, timeout time.Duration) [][]byte {
	var pkts [][]byte
	deadline := time.After(timeout)

	for len(pkts) < n {
		select {
		case p := <-s.packets:
			pkts = append(pkts, p)
		case <-deadline:
			return pkts
		}
	}

	return pkts
}
