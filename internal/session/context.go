// Package session owns the per-connection identity and the user preferences
// the engine consumes. Both are values handed to consumers explicitly.
package session

import (
	"strings"

	"github.com/you/chatledger/internal/core"
)

// Context is the authenticated user and joined channel for one connection.
// It is immutable once built; reconnecting as someone else means a new Context.
type Context struct {
	userID       string
	username     string
	displayName  string
	color        string
	badges       []string
	channelID    string
	channelLogin string
}

type ContextParams struct {
	UserID       string
	Username     string
	DisplayName  string
	Color        string
	Badges       []string
	ChannelID    string
	ChannelLogin string
}

func NewContext(p ContextParams) Context {
	ident := core.NewIdentity(p.UserID, p.Username, p.DisplayName)
	return Context{
		userID:       strings.TrimSpace(p.UserID),
		username:     ident.Username,
		displayName:  ident.DisplayName,
		color:        strings.TrimSpace(p.Color),
		badges:       append([]string(nil), p.Badges...),
		channelID:    strings.TrimSpace(p.ChannelID),
		channelLogin: strings.ToLower(strings.TrimPrefix(strings.TrimSpace(p.ChannelLogin), "#")),
	}
}

func (c Context) UserID() string       { return c.userID }
func (c Context) Username() string     { return c.username }
func (c Context) DisplayName() string  { return c.displayName }
func (c Context) Color() string        { return c.color }
func (c Context) ChannelID() string    { return c.channelID }
func (c Context) ChannelLogin() string { return c.channelLogin }

func (c Context) Badges() []string { return append([]string(nil), c.badges...) }

// Valid reports whether the context can author messages.
func (c Context) Valid() bool {
	return c.userID != "" && c.channelID != ""
}

// Identity is the local user's directory entry.
func (c Context) Identity() core.Identity {
	return core.Identity{ID: c.userID, Username: c.username, DisplayName: c.displayName}
}

// LocalMessage builds an optimistic message authored by the local user.
func (c Context) LocalMessage(id, body string) core.Message {
	return core.Message{
		ID:                id,
		UserID:            c.userID,
		ChannelID:         c.channelID,
		AuthorUsername:    c.username,
		AuthorDisplayName: c.displayName,
		Body:              body,
		Color:             c.color,
		BadgeRefs:         c.Badges(),
	}
}
