package voice

import (
	"sync"

	"github.com/diamondburned/voicecore/discord"
	"github.com/diamondburned/voicecore/voice/voicegateway"
)

// Event is an event raised by a Connection.
type Event interface {
	voiceEvent()
}

// ConnectedEvent is raised once the first handshake completes.
type ConnectedEvent struct {
	GuildID   discord.GuildID
	ChannelID discord.ChannelID
}

// InvalidatedEvent is raised exactly once when the connection becomes
// unusable.
type InvalidatedEvent struct {
	Reason InvalidReason
	// Message is empty for a requested disconnect.
	Message string
}

// MemberSpeakingEvent is raised when another member starts or stops
// speaking.
type MemberSpeakingEvent struct {
	UserID   discord.UserID
	SSRC     uint32
	Flags    voicegateway.SpeakingFlag
	Speaking bool
}

func (*ConnectedEvent) voiceEvent()      {}
func (*InvalidatedEvent) voiceEvent()    {}
func (*MemberSpeakingEvent) voiceEvent() {}

// handlers is an ordered set of event callbacks.
type handlers struct {
	mu   sync.Mutex
	next uint64
	fns  map[uint64]func(Event)
	// order keeps calls in registration order.
	order []uint64
}

func (h *handlers) add(fn func(Event)) (remove func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.fns == nil {
		h.fns = make(map[uint64]func(Event))
	}

	id := h.next
	h.next++
	h.fns[id] = fn
	h.order = append(h.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()

			delete(h.fns, id)
			for i, oid := range h.order {
				if oid == id {
					h.order = append(h.order[:i], h.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (h *handlers) call(ev Event) {
	h.mu.Lock()
	fns := make([]func(Event), 0, len(h.order))
	for _, id := range h.order {
		fns = append(fns, h.fns[id])
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
