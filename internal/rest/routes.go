package rest

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/bwmarrin/discordgo"
	"github.com/goccy/go-json"

	"discord-gateway-core/internal/snowflake"
)

// Route templates used by the core. Collaborators may build any other route
// with NewRoute; these exist so the engine itself never formats paths by hand.
const (
	TmplGatewayBot     = "/gateway/bot"
	TmplGuild          = "/guilds/{guild.id}"
	TmplGuildChannels  = "/guilds/{guild.id}/channels"
	TmplGuildRoles     = "/guilds/{guild.id}/roles"
	TmplGuildMember    = "/guilds/{guild.id}/members/{user.id}"
	TmplGuildMembers   = "/guilds/{guild.id}/members"
	TmplChannel        = "/channels/{channel.id}"
	TmplChannelMessage = "/channels/{channel.id}/messages/{message.id}"
	TmplMessages       = "/channels/{channel.id}/messages"
	TmplUser           = "/users/{user.id}"
)

// GatewayBot fetches the gateway URL, recommended shard count and session
// start limits.
func (c *Client) GatewayBot(ctx context.Context) (*discordgo.GatewayBotResponse, error) {
	var out discordgo.GatewayBotResponse
	if err := c.DoJSON(ctx, Request{Route: NewRoute(http.MethodGet, TmplGatewayBot)}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Raw fetches a route and returns the undecoded body. The cache fallback uses
// this so it can store the exact server payload.
func (c *Client) Raw(ctx context.Context, route Route) (json.RawMessage, error) {
	resp, err := c.Do(ctx, Request{Route: route})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(resp.Body), nil
}

func (c *Client) Guild(ctx context.Context, guildID snowflake.ID) (*discordgo.Guild, error) {
	var g discordgo.Guild
	err := c.DoJSON(ctx, Request{Route: NewRoute(http.MethodGet, TmplGuild, guildID)}, &g)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (c *Client) Channel(ctx context.Context, channelID snowflake.ID) (*discordgo.Channel, error) {
	var ch discordgo.Channel
	err := c.DoJSON(ctx, Request{Route: NewRoute(http.MethodGet, TmplChannel, channelID)}, &ch)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (c *Client) Member(ctx context.Context, guildID, userID snowflake.ID) (*discordgo.Member, error) {
	var m discordgo.Member
	err := c.DoJSON(ctx, Request{Route: NewRoute(http.MethodGet, TmplGuildMember, guildID, userID)}, &m)
	if err != nil {
		return nil, err
	}
	if m.GuildID == "" {
		m.GuildID = guildID.String()
	}
	return &m, nil
}

func (c *Client) Roles(ctx context.Context, guildID snowflake.ID) ([]*discordgo.Role, error) {
	var roles []*discordgo.Role
	err := c.DoJSON(ctx, Request{Route: NewRoute(http.MethodGet, TmplGuildRoles, guildID)}, &roles)
	return roles, err
}

func (c *Client) Message(ctx context.Context, channelID, messageID snowflake.ID) (*discordgo.Message, error) {
	var m discordgo.Message
	err := c.DoJSON(ctx, Request{Route: NewRoute(http.MethodGet, TmplChannelMessage, channelID, messageID)}, &m)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Messages fetches up to limit messages before the given id (zero for latest).
func (c *Client) Messages(ctx context.Context, channelID snowflake.ID, limit int, before snowflake.ID) ([]*discordgo.Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if !before.IsZero() {
		q.Set("before", before.String())
	}
	var out []*discordgo.Message
	err := c.DoJSON(ctx, Request{Route: NewRoute(http.MethodGet, TmplMessages, channelID), Query: q}, &out)
	return out, err
}

func (c *Client) User(ctx context.Context, userID snowflake.ID) (*discordgo.User, error) {
	var u discordgo.User
	err := c.DoJSON(ctx, Request{Route: NewRoute(http.MethodGet, TmplUser, userID)}, &u)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// SendMessage posts a plain message. POST is not retried on network failure.
func (c *Client) SendMessage(ctx context.Context, channelID snowflake.ID, msg *discordgo.MessageSend) (*discordgo.Message, error) {
	var out discordgo.Message
	err := c.DoJSON(ctx, Request{Route: NewRoute(http.MethodPost, TmplMessages, channelID), Body: msg}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID snowflake.ID, reason string) error {
	_, err := c.Do(ctx, Request{Route: NewRoute(http.MethodDelete, TmplChannelMessage, channelID, messageID), Reason: reason})
	return err
}
