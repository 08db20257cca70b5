package twitchirc

import (
	"strconv"
	"strings"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/you/chatledger/internal/core"
	"github.com/you/chatledger/internal/session"
)

func translatePrivmsg(msg *twitch.PrivateMessage, now time.Time) core.Message {
	posted := msg.Time.UTC()
	if msg.Time.IsZero() {
		posted = now.UTC()
	}
	m := core.Message{
		ID:                msg.ID,
		UserID:            msg.User.ID,
		ChannelID:         msg.RoomID,
		AuthorUsername:    msg.User.Name,
		AuthorDisplayName: msg.User.DisplayName,
		Body:              msg.Message,
		PostedAt:          posted,
		Color:             msg.User.Color,
		BadgeRefs:         splitList(msg.Tags["badges"], ","),
		Flags: core.MessageFlags{
			IsFirstMessage:     msg.Tags["first-msg"] == "1",
			IsReturningChatter: msg.Tags["returning-chatter"] == "1",
			IsHighlighted:      msg.Tags["msg-id"] == "highlighted-message",
			IsCheer:            msg.Bits > 0,
			BitsAmount:         msg.Bits,
		},
		Emotes: core.NormalizeEmotes(msg.Message, emotePositions(msg.Emotes)),
	}
	if parent := msg.Tags["reply-parent-msg-id"]; parent != "" {
		m.Reply = &core.ReplyInfo{
			ParentID:                parent,
			ParentAuthorDisplayName: msg.Tags["reply-parent-display-name"],
			ParentBodySnapshot:      msg.Tags["reply-parent-msg-body"],
		}
	}
	return m
}

// selfEcho builds the canonical copy of a message we sent from the USERSTATE
// acknowledgement carrying its server id.
func selfEcho(sess session.Context, msg *twitch.UserStateMessage, id, body string, now time.Time) core.Message {
	m := sess.LocalMessage(id, body)
	m.PostedAt = now.UTC()
	if msg.User.Color != "" {
		m.Color = msg.User.Color
	}
	if badges := splitList(msg.Tags["badges"], ","); len(badges) > 0 {
		m.BadgeRefs = badges
	}
	return m
}

// emotePositions flattens the library's inclusive ranges into end-exclusive
// rune offsets.
func emotePositions(emotes []*twitch.Emote) []core.EmotePosition {
	var out []core.EmotePosition
	for _, e := range emotes {
		if e == nil {
			continue
		}
		for _, p := range e.Positions {
			out = append(out, core.EmotePosition{EmoteID: e.ID, Start: p.Start, End: p.End + 1})
		}
	}
	return out
}

func translateUserNotice(msg *twitch.UserNoticeMessage, now time.Time) (core.Subscription, bool) {
	occurred := msg.Time.UTC()
	if msg.Time.IsZero() {
		occurred = now.UTC()
	}
	params := msg.MsgParams
	sub := core.Subscription{
		ID:               msg.ID,
		ChannelID:        msg.RoomID,
		OccurredAt:       occurred,
		Tier:             params["msg-param-sub-plan"],
		CumulativeMonths: atoi(params["msg-param-cumulative-months"]),
		StreakMonths:     atoi(params["msg-param-streak-months"]),
	}

	switch msg.MsgID {
	case "sub":
		sub.Kind = core.SubNew
		sub.UserID, sub.Username, sub.DisplayName = msg.User.ID, msg.User.Name, msg.User.DisplayName
	case "resub":
		sub.Kind = core.SubResub
		sub.UserID, sub.Username, sub.DisplayName = msg.User.ID, msg.User.Name, msg.User.DisplayName
		sub.Body = msg.Message
	case "subgift", "anonsubgift":
		sub.Kind = core.SubGift
		sub.IsGift = true
		sub.UserID = params["msg-param-recipient-id"]
		sub.Username = params["msg-param-recipient-user-name"]
		sub.DisplayName = params["msg-param-recipient-display-name"]
		sub.GifterUserID = msg.User.ID
		sub.CumulativeMonths = atoi(params["msg-param-months"])
	case "submysterygift", "anonsubmysterygift":
		sub.Kind = core.SubCommunityGift
		sub.IsGift = true
		sub.UserID, sub.Username, sub.DisplayName = msg.User.ID, msg.User.Name, msg.User.DisplayName
		sub.GifterUserID = msg.User.ID
		sub.GiftCount = atoi(params["msg-param-mass-gift-count"])
	default:
		return core.Subscription{}, false
	}
	return sub, true
}

func atoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func splitList(s, sep string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
