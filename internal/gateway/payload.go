package gateway

import (
	"github.com/bwmarrin/discordgo"
	"github.com/goccy/go-json"
)

// Version is the gateway protocol version requested on connect.
const Version = 10

// Opcode identifies the kind of a gateway frame.
type Opcode int

const (
	OpDispatch            Opcode = 0
	OpHeartbeat           Opcode = 1
	OpIdentify            Opcode = 2
	OpPresenceUpdate      Opcode = 3
	OpVoiceStateUpdate    Opcode = 4
	OpResume              Opcode = 6
	OpReconnect           Opcode = 7
	OpRequestGuildMembers Opcode = 8
	OpInvalidSession      Opcode = 9
	OpHello               Opcode = 10
	OpHeartbeatACK        Opcode = 11
)

// Close codes sent by the server.
const (
	CloseUnknownError         = 4000
	CloseUnknownOpcode        = 4001
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthenticationFailed = 4004
	CloseAlreadyAuthenticated = 4005
	CloseInvalidSeq           = 4007
	CloseRateLimited          = 4008
	CloseSessionTimedOut      = 4009
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014
)

// CloseAction is what the session does after the server closed the socket.
type CloseAction int

const (
	CloseResume   CloseAction = iota // reconnect and try to resume
	CloseIdentify                    // reconnect with a fresh session
	CloseFatal                       // do not reconnect
)

// ActionFor maps a close code to the session's reaction.
func ActionFor(code int) CloseAction {
	switch code {
	case CloseAuthenticationFailed, CloseInvalidShard, CloseShardingRequired,
		CloseInvalidAPIVersion, CloseInvalidIntents, CloseDisallowedIntents:
		return CloseFatal
	case CloseInvalidSeq, CloseSessionTimedOut:
		return CloseIdentify
	default:
		return CloseResume
	}
}

// Payload is one gateway frame.
type Payload struct {
	Op Opcode          `json:"op"`
	D  json.RawMessage `json:"d"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

type outgoing struct {
	Op Opcode `json:"op"`
	D  any    `json:"d"`
}

type hello struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type identify struct {
	Token          string                      `json:"token"`
	Properties     identifyProperties          `json:"properties"`
	Compress       bool                        `json:"compress"`
	LargeThreshold int                         `json:"large_threshold,omitempty"`
	Shard          *[2]int                     `json:"shard,omitempty"`
	Presence       *discordgo.UpdateStatusData `json:"presence,omitempty"`
	Intents        discordgo.Intent            `json:"intents"`
}

type resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// ready holds only what the session needs from READY; the cache reads the rest.
type ready struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
	Shard            []int  `json:"shard"`
}

// RequestGuildMembers is the op 8 payload.
type RequestGuildMembers struct {
	GuildID   string   `json:"guild_id"`
	Query     *string  `json:"query,omitempty"`
	Limit     int      `json:"limit"`
	Presences bool     `json:"presences,omitempty"`
	UserIDs   []string `json:"user_ids,omitempty"`
	Nonce     string   `json:"nonce,omitempty"`
}

// VoiceStateUpdate is the op 4 payload.
type VoiceStateUpdate struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}
