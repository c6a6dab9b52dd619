package voicegateway

import (
	"context"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/diamondburned/voicecore/discord"
	"github.com/diamondburned/voicecore/internal/fakevoice"
	"github.com/diamondburned/voicecore/utils/json"
)

func testState() State {
	return State{
		GuildID:   42,
		UserID:    7,
		SessionID: "S",
		Token:     "T",
		Endpoint:  "voice1.example.com:443",
	}
}

func openGateway(t *testing.T, srv *fakevoice.Server, opts Opts) *Gateway {
	t.Helper()

	opts.URL = srv.URLFunc()
	opts.Logger = zaptest.NewLogger(t)

	g := New(testState(), opts)
	t.Cleanup(func() { g.Close(CloseNormal) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, g.Open(ctx))
	return g
}

func TestEndpointURL(t *testing.T) {
	u, err := EndpointURL("voice1.example.com:443")
	require.NoError(t, err)
	assert.Equal(t, "wss://voice1.example.com:443/?v=4", u)

	u, err = EndpointURL("voice2.example.com:80")
	require.NoError(t, err)
	assert.Equal(t, "wss://voice2.example.com/?v=4", u)

	_, err = EndpointURL("")
	assert.ErrorIs(t, err, ErrNoEndpoint)
}

func TestClassifyClose(t *testing.T) {
	tests := []struct {
		code int
		want CloseOutcome
	}{
		{1000, OutcomeClosed},
		{4014, OutcomeDisconnected},
		{4015, OutcomeResume},
		{4006, OutcomeNewSession},
		{4009, OutcomeNewSession},
		{4001, OutcomeUnexpected},
		{4016, OutcomeUnexpected},
		{1006, OutcomeUnexpected},
		{-1, OutcomeUnexpected},
	}

	for _, test := range tests {
		assert.Equal(t, test.want, ClassifyClose(test.code), "code %d", test.code)
	}
}

func TestGatewayHandshake(t *testing.T) {
	key := [32]byte{1, 2, 3}
	srv := fakevoice.New(t, fakevoice.Config{SecretKey: key, SSRC: 1234})

	speaking := make(chan *SpeakingEvent, 1)
	g := openGateway(t, srv, Opts{
		OnSpeaking: func(ev *SpeakingEvent) { speaking <- ev },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hello, err := g.WaitHello(ctx)
	require.NoError(t, err)
	assert.Equal(t, 41250*time.Millisecond, hello.Interval())

	interval, ok := g.HeartbeatInterval()
	require.True(t, ok)
	assert.Equal(t, time.Duration(float64(41250*time.Millisecond)*0.75), interval)

	require.NoError(t, g.Identify(ctx))

	f, err := srv.WaitFrame(ctx, int(IdentifyOp))
	require.NoError(t, err)

	var identify IdentifyCommand
	require.NoError(t, f.D.UnmarshalTo(&identify))
	assert.Equal(t, IdentifyCommand{GuildID: 42, UserID: 7, SessionID: "S", Token: "T"}, identify)

	ready, err := g.WaitReady(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(1234), ready.SSRC)
	assert.True(t, ready.SupportsMode(EncryptionMode))

	require.NoError(t, g.SelectProtocol(ctx, SelectProtocolData{
		Address: "203.0.113.5",
		Port:    50000,
		Mode:    EncryptionMode,
	}))

	desc, err := g.WaitSessionDescription(ctx)
	require.NoError(t, err)
	assert.Equal(t, key, desc.SecretKey)
	assert.Equal(t, EncryptionMode, desc.Mode)

	require.NoError(t, g.Speaking(ctx, Microphone))

	f, err = srv.WaitFrame(ctx, int(SpeakingOp))
	require.NoError(t, err)
	assert.JSONEq(t, `{"speaking":1,"delay":0,"ssrc":1234}`, string(f.D))

	srv.Send(ctx, int(SpeakingOp), map[string]interface{}{
		"user_id":  "99",
		"ssrc":     4321,
		"speaking": 1,
	})
	// unknown ops are dropped without closing the gateway
	srv.Send(ctx, 18, map[string]interface{}{"any": true})

	select {
	case ev := <-speaking:
		assert.Equal(t, discord.UserID(99), ev.UserID)
		assert.Equal(t, uint32(4321), ev.SSRC)
	case <-ctx.Done():
		t.Fatal("no speaking event")
	}

	require.NoError(t, g.Close(CloseNormal))
	assert.Equal(t, OutcomeClosed, g.Outcome())

	_, err = g.WaitSessionDescription(ctx)
	assert.NoError(t, err, "resolved promises stay readable after close")

	err = g.WaitResumed(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestGatewayHeartbeat(t *testing.T) {
	srv := fakevoice.New(t, fakevoice.Config{HeartbeatInterval: 40})
	g := openGateway(t, srv, Opts{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := g.WaitHello(ctx)
	require.NoError(t, err)
	require.NoError(t, g.StartHeartbeat())
	assert.Error(t, g.StartHeartbeat(), "heartbeat must only start once")

	for want := uint64(1); want <= 3; want++ {
		f, err := srv.WaitFrame(ctx, int(HeartbeatOp))
		require.NoError(t, err)

		var nonce uint64
		require.NoError(t, json.Unmarshal(f.D, &nonce))
		assert.Equal(t, want, nonce)
	}

	select {
	case <-g.Done():
		t.Fatal("gateway closed unexpectedly: ", spew.Sdump(g.Err()))
	default:
	}
}

func TestGatewayHeartbeatTimeout(t *testing.T) {
	srv := fakevoice.New(t, fakevoice.Config{
		HeartbeatInterval: 40,
		NoHeartbeatAck:    true,
	})
	g := openGateway(t, srv, Opts{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := g.WaitHello(ctx)
	require.NoError(t, err)
	require.NoError(t, g.StartHeartbeat())

	select {
	case <-g.Done():
	case <-ctx.Done():
		t.Fatal("gateway never timed out")
	}

	assert.Equal(t, OutcomeTimedOut, g.Outcome())
	assert.ErrorIs(t, g.Err(), ErrHeartbeatTimeout)
}

func TestGatewayServerClose(t *testing.T) {
	tests := []struct {
		code int
		want CloseOutcome
	}{
		{4014, OutcomeDisconnected},
		{4015, OutcomeResume},
		{4006, OutcomeNewSession},
		{4004, OutcomeUnexpected},
	}

	for _, test := range tests {
		srv := fakevoice.New(t, fakevoice.Config{})
		g := openGateway(t, srv, Opts{})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

		_, err := g.WaitHello(ctx)
		require.NoError(t, err)

		srv.CloseActive(test.code)

		_, err = g.WaitReady(ctx)
		assert.ErrorIs(t, err, ErrClosed, "code %d", test.code)
		assert.Equal(t, test.want, g.Outcome(), "code %d", test.code)
		assert.Equal(t, test.code, g.CloseCode())

		cancel()
	}
}

func TestGatewayResume(t *testing.T) {
	srv := fakevoice.New(t, fakevoice.Config{})
	g := openGateway(t, srv, Opts{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := g.WaitHello(ctx)
	require.NoError(t, err)
	require.NoError(t, g.Resume(ctx))
	require.NoError(t, g.WaitResumed(ctx))

	f, err := srv.WaitFrame(ctx, int(ResumeOp))
	require.NoError(t, err)
	assert.JSONEq(t, `{"server_id":"42","session_id":"S","token":"T"}`, string(f.D))
}

func TestGatewayMissingState(t *testing.T) {
	g := New(State{GuildID: 1}, Opts{})
	ctx := context.Background()

	assert.ErrorIs(t, g.Identify(ctx), ErrMissingForIdentify)
	assert.ErrorIs(t, g.Resume(ctx), ErrMissingForResume)
	assert.NoError(t, g.Close(CloseNormal), "closing an unopened gateway is a no-op")

	select {
	case <-g.Done():
	default:
		t.Fatal("closed gateway must be done")
	}
}
