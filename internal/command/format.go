package command

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/you/chatledger/internal/core"
)

func formatEvent(ev core.ChatEvent) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("[%s] ", humanize.RelTime(ev.Time(), now(), "ago", "from now")))

	switch ev.Kind {
	case core.KindSubscription:
		s := ev.Subscription
		name := s.DisplayName
		if name == "" {
			name = s.Username
		}
		b.WriteString(fmt.Sprintf("* %s %s", name, subVerb(s)))
		if s.Body != "" {
			b.WriteString(": " + s.Body)
		}
	default:
		m := ev.Message
		name := m.AuthorDisplayName
		if name == "" {
			name = m.AuthorUsername
		}
		b.WriteString(name + ": ")
		if m.Deleted {
			b.WriteString("<message deleted>")
		} else {
			b.WriteString(m.Body)
		}
		if m.Flags.IsCheer {
			b.WriteString(fmt.Sprintf(" (%s bits)", humanize.Comma(int64(m.Flags.BitsAmount))))
		}
		if m.IsPending() {
			b.WriteString(" (pending)")
		}
	}
	return b.String()
}

func subVerb(s *core.Subscription) string {
	switch s.Kind {
	case core.SubResub:
		return fmt.Sprintf("resubscribed (%s months)", humanize.Comma(int64(s.CumulativeMonths)))
	case core.SubGift:
		return "received a gifted sub"
	case core.SubCommunityGift:
		return fmt.Sprintf("gifted %s subs to the community", humanize.Comma(int64(s.GiftCount)))
	default:
		return "subscribed"
	}
}
