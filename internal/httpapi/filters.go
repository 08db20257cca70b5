package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/you/chatledger/internal/core"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Order is the chronological order of a listing.
type Order string

const (
	OrderDesc Order = "desc"
	OrderAsc  Order = "asc"
)

// Filters captures the parsed query parameters for timeline lookups.
type Filters struct {
	Channel        string
	Kinds          []core.Kind
	Usernames      []string
	Since          *time.Time
	Limit          int
	Order          Order
	IncludeDeleted bool
}

// ParseFilters parses query parameters into a Filters struct. The default
// order is ascending, matching the ordered view.
func ParseFilters(values url.Values) (Filters, error) {
	f := Filters{
		Channel:        strings.TrimSpace(values.Get("channel")),
		Limit:          defaultLimit,
		Order:          OrderAsc,
		IncludeDeleted: true,
	}

	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Filters{}, errors.New("limit must be a positive integer")
		}
		f.Limit = min(n, maxLimit)
	}

	if raw := values.Get("order"); raw != "" {
		switch strings.ToLower(raw) {
		case "desc":
			f.Order = OrderDesc
		case "asc":
			f.Order = OrderAsc
		default:
			return Filters{}, errors.New("order must be asc or desc")
		}
	}

	if raw := values.Get("since"); raw != "" {
		parsed, err := parseSince(raw)
		if err != nil {
			return Filters{}, err
		}
		f.Since = &parsed
	}

	if raw := values.Get("include_deleted"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return Filters{}, errors.New("include_deleted must be a boolean")
		}
		f.IncludeDeleted = b
	}

	seenKind := make(map[core.Kind]struct{})
	for _, part := range splitValues(values["kind"]) {
		kind, ok := normalizeKind(part)
		if !ok {
			return Filters{}, errors.New("invalid kind filter")
		}
		if kind == "" {
			f.Kinds = nil
			break
		}
		if _, dup := seenKind[kind]; !dup {
			f.Kinds = append(f.Kinds, kind)
			seenKind[kind] = struct{}{}
		}
	}

	seenUser := make(map[string]struct{})
	for _, part := range splitValues(values["username"]) {
		lowered := strings.ToLower(part)
		if _, dup := seenUser[lowered]; !dup {
			f.Usernames = append(f.Usernames, lowered)
			seenUser[lowered] = struct{}{}
		}
	}

	return f, nil
}

// FiltersFromRequest parses filters from an HTTP request.
func FiltersFromRequest(r *http.Request) (Filters, error) {
	return ParseFilters(r.URL.Query())
}

func splitValues(raw []string) []string {
	var out []string
	for _, v := range raw {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func normalizeKind(k string) (core.Kind, bool) {
	switch strings.ToLower(k) {
	case "message", "messages", "msg":
		return core.KindMessage, true
	case "subscription", "subscriptions", "sub":
		return core.KindSubscription, true
	case "all", "*":
		return "", true
	}
	return "", false
}

func parseSince(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return time.Now().Add(-d).UTC(), nil
	}
	return time.Time{}, errors.New("invalid since parameter")
}

// Matches reports whether ev satisfies the filters. Limit and Order are
// applied by the caller.
func (f Filters) Matches(ev core.ChatEvent) bool {
	if f.Channel != "" && ev.ChannelID() != f.Channel {
		return false
	}
	if !f.IncludeDeleted && ev.Deleted() {
		return false
	}
	if len(f.Kinds) > 0 {
		match := false
		for _, k := range f.Kinds {
			if ev.Kind == k {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if len(f.Usernames) > 0 {
		ident, ok := ev.AuthorIdentity()
		if !ok {
			return false
		}
		name := strings.ToLower(ident.Username)
		display := strings.ToLower(ident.DisplayName)
		match := false
		for _, u := range f.Usernames {
			if strings.Contains(name, u) || strings.Contains(display, u) {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if f.Since != nil && ev.Time().Before(*f.Since) {
		return false
	}
	return true
}

// Apply filters an ascending view and then trims and orders it.
func (f Filters) Apply(view []core.ChatEvent) []core.ChatEvent {
	out := make([]core.ChatEvent, 0, min(len(view), f.Limit))
	for i := len(view) - 1; i >= 0 && (f.Limit <= 0 || len(out) < f.Limit); i-- {
		if f.Matches(view[i]) {
			out = append(out, view[i])
		}
	}
	if f.Order == OrderAsc {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

// CloneForStream returns a copy of the filters adjusted for push transports.
func (f Filters) CloneForStream() Filters {
	f.Limit = 0
	f.Since = nil
	return f
}
