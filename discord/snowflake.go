package discord

import (
	"strconv"
	"strings"
	"time"
)

// DiscordEpoch is the Discord epoch constant in time.Duration (nanoseconds)
// since Unix epoch.
const DiscordEpoch = 1420070400000 * time.Millisecond

// DurationSinceDiscordEpoch returns the duration from the Discord epoch to
// current.
func DurationSinceDiscordEpoch(t time.Time) time.Duration {
	return time.Duration(t.UnixNano()) - DiscordEpoch
}

// Snowflake is the generic Discord identifier. Zero is treated as "unset" and
// NullSnowflake as an explicit JSON null.
type Snowflake int64

// NullSnowflake gets encoded into a null. This is used for
// optional and nullable snowflake fields.
const NullSnowflake Snowflake = -1

func NewSnowflake(t time.Time) Snowflake {
	return Snowflake((DurationSinceDiscordEpoch(t) / time.Millisecond) << 22)
}

func ParseSnowflake(sf string) (Snowflake, error) {
	if sf == "null" {
		return NullSnowflake, nil
	}

	u, err := strconv.ParseUint(sf, 10, 64)
	if err != nil {
		return 0, err
	}

	return Snowflake(u), nil
}

func (s *Snowflake) UnmarshalJSON(v []byte) error {
	id := strings.Trim(string(v), `"`)
	if id == "null" || id == "" {
		*s = NullSnowflake
		return nil
	}

	u, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return err
	}

	*s = Snowflake(u)
	return nil
}

func (s Snowflake) MarshalJSON() ([]byte, error) {
	if !s.IsValid() {
		return []byte("null"), nil
	}
	return []byte(`"` + strconv.FormatUint(uint64(s), 10) + `"`), nil
}

// String returns the decimal representation, or an empty string if the
// snowflake is null or unset.
func (s Snowflake) String() string {
	if !s.IsValid() {
		return ""
	}
	return strconv.FormatUint(uint64(s), 10)
}

// IsValid returns true if the snowflake is neither zero nor null.
func (s Snowflake) IsValid() bool {
	return s > 0
}

// IsNull returns true if the snowflake is the null value.
func (s Snowflake) IsNull() bool {
	return s == NullSnowflake
}

func (s Snowflake) Time() time.Time {
	unixnano := ((time.Duration(s) >> 22) * time.Millisecond) + DiscordEpoch
	return time.Unix(0, int64(unixnano))
}

// GuildID is the snowflake of a guild, which the voice gateway calls a server.
type GuildID Snowflake

// NullGuildID gets encoded into a null.
const NullGuildID = GuildID(NullSnowflake)

func (s GuildID) MarshalJSON() ([]byte, error)  { return Snowflake(s).MarshalJSON() }
func (s *GuildID) UnmarshalJSON(v []byte) error { return (*Snowflake)(s).UnmarshalJSON(v) }
func (s GuildID) String() string                { return Snowflake(s).String() }
func (s GuildID) IsValid() bool                 { return Snowflake(s).IsValid() }
func (s GuildID) IsNull() bool                  { return Snowflake(s).IsNull() }

// ChannelID is the snowflake of a channel.
type ChannelID Snowflake

// NullChannelID gets encoded into a null. A voice state update carrying it
// means "leave the voice channel".
const NullChannelID = ChannelID(NullSnowflake)

func (s ChannelID) MarshalJSON() ([]byte, error)  { return Snowflake(s).MarshalJSON() }
func (s *ChannelID) UnmarshalJSON(v []byte) error { return (*Snowflake)(s).UnmarshalJSON(v) }
func (s ChannelID) String() string                { return Snowflake(s).String() }
func (s ChannelID) IsValid() bool                 { return Snowflake(s).IsValid() }
func (s ChannelID) IsNull() bool                  { return Snowflake(s).IsNull() }

// UserID is the snowflake of a user.
type UserID Snowflake

// NullUserID gets encoded into a null.
const NullUserID = UserID(NullSnowflake)

func (s UserID) MarshalJSON() ([]byte, error)  { return Snowflake(s).MarshalJSON() }
func (s *UserID) UnmarshalJSON(v []byte) error { return (*Snowflake)(s).UnmarshalJSON(v) }
func (s UserID) String() string                { return Snowflake(s).String() }
func (s UserID) IsValid() bool                 { return Snowflake(s).IsValid() }
func (s UserID) IsNull() bool                  { return Snowflake(s).IsNull() }
