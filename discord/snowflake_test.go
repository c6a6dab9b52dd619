package discord

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSnowflake(t *testing.T) {
	t.Run("parse", func(t *testing.T) {
		_, err := ParseSnowflake("175928847299117063")
		if err != nil {
			t.Fatal("Failed to parse snowflake:", err)
		}
	})

	const value = 175928847299117063
	var expect = time.Date(2016, 04, 30, 11, 18, 25, 796*int(time.Millisecond), time.UTC)

	t.Run("time", func(t *testing.T) {
		s := Snowflake(value)

		if ts := s.Time(); !ts.Equal(expect) {
			t.Fatal("Unexpected time (expected/got):", expect, ts)
		}
	})

	t.Run("new", func(t *testing.T) {
		if s := NewSnowflake(expect); !s.Time().Equal(expect) {
			t.Fatal("Unexpected new snowflake from expected time:", s)
		}
	})
}

func TestSnowflakeJSON(t *testing.T) {
	type payload struct {
		GuildID   GuildID   `json:"guild_id"`
		ChannelID ChannelID `json:"channel_id"`
	}

	b, err := json.Marshal(payload{GuildID: 42, ChannelID: NullChannelID})
	if err != nil {
		t.Fatal("Failed to marshal:", err)
	}

	if string(b) != `{"guild_id":"42","channel_id":null}` {
		t.Fatal("Unexpected JSON:", string(b))
	}

	var p payload
	if err := json.Unmarshal([]byte(`{"guild_id":"7","channel_id":null}`), &p); err != nil {
		t.Fatal("Failed to unmarshal:", err)
	}

	if p.GuildID != 7 {
		t.Fatal("Unexpected guild ID:", p.GuildID)
	}

	if !p.ChannelID.IsNull() || p.ChannelID.IsValid() {
		t.Fatal("Expected a null channel ID, got", p.ChannelID)
	}
}
