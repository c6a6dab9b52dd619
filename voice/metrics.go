package voice

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/diamondburned/voicecore/discord"
	"github.com/diamondburned/voicecore/voice/udp"
)

// Metrics holds the Prometheus collectors for voice connections. A nil
// *Metrics records nothing.
type Metrics struct {
	PacketsSent   *prometheus.CounterVec
	FramesDropped *prometheus.CounterVec
	Underruns     *prometheus.CounterVec
	LateSends     *prometheus.CounterVec
	Handshakes    *prometheus.CounterVec
	Invalidations *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg, if not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voice",
			Name:      name,
			Help:      help,
		}, append([]string{"guild_id"}, labels...))
	}

	m := &Metrics{
		PacketsSent:   counter("packets_sent_total", "Voice packets written to the UDP socket."),
		FramesDropped: counter("frames_dropped_total", "Voice frames dropped before sending."),
		Underruns:     counter("underruns_total", "Frame slots with no audio while speaking."),
		LateSends:     counter("late_sends_total", "Packets sent more than a frame late."),
		Handshakes:    counter("handshakes_total", "Completed or failed handshakes.", "kind", "result"),
		Invalidations: counter("invalidations_total", "Invalidated connections.", "reason"),
	}

	if reg != nil {
		reg.MustRegister(
			m.PacketsSent,
			m.FramesDropped,
			m.Underruns,
			m.LateSends,
			m.Handshakes,
			m.Invalidations,
		)
	}

	return m
}

func (m *Metrics) handshake(guildID discord.GuildID, kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Handshakes.WithLabelValues(guildID.String(), kind, result).Inc()
}

func (m *Metrics) invalidated(guildID discord.GuildID, reason InvalidReason) {
	if m == nil {
		return
	}
	m.Invalidations.WithLabelValues(guildID.String(), reason.String()).Inc()
}

// observer returns the send loop observer for one guild.
func (m *Metrics) observer(guildID discord.GuildID) udp.Observer {
	if m == nil {
		return nil
	}
	id := guildID.String()
	return guildObserver{
		sent:     m.PacketsSent.WithLabelValues(id),
		dropped:  m.FramesDropped.WithLabelValues(id),
		underrun: m.Underruns.WithLabelValues(id),
		late:     m.LateSends.WithLabelValues(id),
	}
}

type guildObserver struct {
	sent, dropped, underrun, late prometheus.Counter
}

func (o guildObserver) PacketSent()   { o.sent.Inc() }
func (o guildObserver) FrameDropped() { o.dropped.Inc() }
func (o guildObserver) Underrun()     { o.underrun.Inc() }
func (o guildObserver) LateSend()     { o.late.Inc() }
