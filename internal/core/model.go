package core

import (
	"errors"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// LocalPendingPrefix tags ids minted for optimistic self-sent messages.
const LocalPendingPrefix = "local-"

var ErrInvalidEvent = errors.New("core: invalid event")

// Kind discriminates the ChatEvent sum type.
type Kind string

const (
	KindMessage      Kind = "message"
	KindSubscription Kind = "subscription"
)

// Identity is a Viewer Directory entry.
type Identity struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

// EmotePosition marks an emote inside a message body. Offsets count runes,
// End is exclusive.
type EmotePosition struct {
	EmoteID string `json:"emote_id"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
}

type ReplyInfo struct {
	ParentID                string `json:"parent_id"`
	ParentAuthorDisplayName string `json:"parent_author_display_name"`
	ParentBodySnapshot      string `json:"parent_body_snapshot"`
}

type MessageFlags struct {
	IsFirstMessage     bool `json:"is_first_message,omitempty"`
	IsReturningChatter bool `json:"is_returning_chatter,omitempty"`
	IsHighlighted      bool `json:"is_highlighted,omitempty"`
	IsCheer            bool `json:"is_cheer,omitempty"`
	BitsAmount         int  `json:"bits_amount,omitempty"` // zero when not a cheer
}

// Message is a chat line, either canonical or local-pending.
type Message struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	ChannelID         string          `json:"channel_id"`
	AuthorUsername    string          `json:"author_username"`
	AuthorDisplayName string          `json:"author_display_name"`
	Body              string          `json:"body"`
	PostedAt          time.Time       `json:"posted_at"`
	Color             string          `json:"color,omitempty"`
	BadgeRefs         []string        `json:"badge_refs,omitempty"`
	Flags             MessageFlags    `json:"flags"`
	Reply             *ReplyInfo      `json:"reply,omitempty"`
	Emotes            []EmotePosition `json:"emote_positions,omitempty"`
	Deleted           bool            `json:"deleted"`
}

// IsPending reports whether the message is still an optimistic local echo.
func (m *Message) IsPending() bool { return IsLocalPendingID(m.ID) }

type SubscriptionKind string

const (
	SubNew           SubscriptionKind = "new"
	SubResub         SubscriptionKind = "resub"
	SubGift          SubscriptionKind = "gift"
	SubCommunityGift SubscriptionKind = "communityGift"
)

func (k SubscriptionKind) Valid() bool {
	switch k {
	case SubNew, SubResub, SubGift, SubCommunityGift:
		return true
	}
	return false
}

// Subscription is a subscription notice. Optional counters are zero when absent.
type Subscription struct {
	ID               string           `json:"id"`
	Kind             SubscriptionKind `json:"kind"`
	UserID           string           `json:"user_id"`
	ChannelID        string           `json:"channel_id"`
	Username         string           `json:"username,omitempty"`
	DisplayName      string           `json:"display_name,omitempty"`
	OccurredAt       time.Time        `json:"occurred_at"`
	Tier             string           `json:"tier"`
	CumulativeMonths int              `json:"cumulative_months,omitempty"`
	StreakMonths     int              `json:"streak_months,omitempty"`
	IsGift           bool             `json:"is_gift"`
	GifterUserID     string           `json:"gifter_user_id,omitempty"`
	GiftCount        int              `json:"gift_count,omitempty"`
	Body             string           `json:"body,omitempty"` // resub share text
	Deleted          bool             `json:"deleted"`
}

// ChatEvent is the tagged union of everything the timeline holds. Exactly one
// payload is set, matching Kind.
type ChatEvent struct {
	Kind         Kind          `json:"kind"`
	Message      *Message      `json:"message,omitempty"`
	Subscription *Subscription `json:"subscription,omitempty"`
}

func MessageEvent(m Message) ChatEvent { return ChatEvent{Kind: KindMessage, Message: &m} }

func SubscriptionEvent(s Subscription) ChatEvent {
	return ChatEvent{Kind: KindSubscription, Subscription: &s}
}

func (e ChatEvent) ID() string {
	switch e.Kind {
	case KindMessage:
		if e.Message != nil {
			return e.Message.ID
		}
	case KindSubscription:
		if e.Subscription != nil {
			return e.Subscription.ID
		}
	}
	return ""
}

func (e ChatEvent) UserID() string {
	switch e.Kind {
	case KindMessage:
		if e.Message != nil {
			return e.Message.UserID
		}
	case KindSubscription:
		if e.Subscription != nil {
			return e.Subscription.UserID
		}
	}
	return ""
}

func (e ChatEvent) ChannelID() string {
	switch e.Kind {
	case KindMessage:
		if e.Message != nil {
			return e.Message.ChannelID
		}
	case KindSubscription:
		if e.Subscription != nil {
			return e.Subscription.ChannelID
		}
	}
	return ""
}

// Time is the ordering timestamp: PostedAt for messages, OccurredAt for subs.
func (e ChatEvent) Time() time.Time {
	switch e.Kind {
	case KindMessage:
		if e.Message != nil {
			return e.Message.PostedAt
		}
	case KindSubscription:
		if e.Subscription != nil {
			return e.Subscription.OccurredAt
		}
	}
	return time.Time{}
}

// Body returns the text used for self-echo and near-duplicate matching.
func (e ChatEvent) Body() string {
	switch e.Kind {
	case KindMessage:
		if e.Message != nil {
			return e.Message.Body
		}
	case KindSubscription:
		if e.Subscription != nil {
			return e.Subscription.Body
		}
	}
	return ""
}

func (e ChatEvent) Deleted() bool {
	switch e.Kind {
	case KindMessage:
		return e.Message != nil && e.Message.Deleted
	case KindSubscription:
		return e.Subscription != nil && e.Subscription.Deleted
	}
	return false
}

// SetDeleted flips the deleted flag on. There is no way to clear it.
func (e ChatEvent) SetDeleted() {
	switch e.Kind {
	case KindMessage:
		if e.Message != nil {
			e.Message.Deleted = true
		}
	case KindSubscription:
		if e.Subscription != nil {
			e.Subscription.Deleted = true
		}
	}
}

func (e ChatEvent) IsPending() bool {
	return e.Kind == KindMessage && e.Message != nil && e.Message.IsPending()
}

// Clone returns a deep copy so views can hand events out without aliasing.
func (e ChatEvent) Clone() ChatEvent {
	out := ChatEvent{Kind: e.Kind}
	if e.Message != nil {
		m := *e.Message
		m.BadgeRefs = append([]string(nil), e.Message.BadgeRefs...)
		m.Emotes = append([]EmotePosition(nil), e.Message.Emotes...)
		if e.Message.Reply != nil {
			r := *e.Message.Reply
			m.Reply = &r
		}
		out.Message = &m
	}
	if e.Subscription != nil {
		s := *e.Subscription
		out.Subscription = &s
	}
	return out
}

// Validate checks the discriminant and the fields every store row requires.
func (e ChatEvent) Validate() error {
	switch e.Kind {
	case KindMessage:
		if e.Message == nil || e.Subscription != nil {
			return ErrInvalidEvent
		}
		m := e.Message
		if strings.TrimSpace(m.ID) == "" || m.UserID == "" || m.ChannelID == "" || m.PostedAt.IsZero() {
			return ErrInvalidEvent
		}
		if !EmotesValid(m.Body, m.Emotes) {
			return ErrInvalidEvent
		}
	case KindSubscription:
		if e.Subscription == nil || e.Message != nil {
			return ErrInvalidEvent
		}
		s := e.Subscription
		if strings.TrimSpace(s.ID) == "" || s.ChannelID == "" || s.OccurredAt.IsZero() || !s.Kind.Valid() {
			return ErrInvalidEvent
		}
	default:
		return ErrInvalidEvent
	}
	return nil
}

// AuthorIdentity returns the directory entry implied by the event, if any.
func (e ChatEvent) AuthorIdentity() (Identity, bool) {
	switch e.Kind {
	case KindMessage:
		if e.Message == nil || e.Message.UserID == "" {
			return Identity{}, false
		}
		return NewIdentity(e.Message.UserID, e.Message.AuthorUsername, e.Message.AuthorDisplayName), true
	case KindSubscription:
		if e.Subscription == nil || e.Subscription.UserID == "" || e.Subscription.Username == "" {
			return Identity{}, false
		}
		return NewIdentity(e.Subscription.UserID, e.Subscription.Username, e.Subscription.DisplayName), true
	}
	return Identity{}, false
}

// NewIdentity lowercases the handle and falls back to it for the display name.
func NewIdentity(id, username, displayName string) Identity {
	username = strings.ToLower(strings.TrimSpace(username))
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = username
	}
	if username == "" {
		username = strings.ToLower(displayName)
	}
	return Identity{ID: id, Username: username, DisplayName: displayName}
}

func NewLocalPendingID() string { return LocalPendingPrefix + uuid.NewString() }

func IsLocalPendingID(id string) bool { return strings.HasPrefix(id, LocalPendingPrefix) }

// EmotesValid reports whether positions are sorted, non-overlapping, and
// inside the body.
func EmotesValid(body string, positions []EmotePosition) bool {
	n := utf8.RuneCountInString(body)
	prevEnd := 0
	for _, p := range positions {
		if p.Start < prevEnd || p.End <= p.Start || p.End > n {
			return false
		}
		prevEnd = p.End
	}
	return true
}

// NormalizeEmotes sorts positions and drops any that overlap an earlier one or
// fall outside the body.
func NormalizeEmotes(body string, positions []EmotePosition) []EmotePosition {
	if len(positions) == 0 {
		return nil
	}
	n := utf8.RuneCountInString(body)
	sorted := append([]EmotePosition(nil), positions...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	out := make([]EmotePosition, 0, len(sorted))
	prevEnd := 0
	for _, p := range sorted {
		if p.Start < 0 || p.End <= p.Start || p.End > n || p.Start < prevEnd {
			continue
		}
		out = append(out, p)
		prevEnd = p.End
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
