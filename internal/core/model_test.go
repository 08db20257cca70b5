package core

import (
	"reflect"
	"testing"
	"time"
)

func TestNormalizeEmotes(t *testing.T) {
	body := "Kappa hi PogChamp ✨x"
	tests := []struct {
		name string
		in   []EmotePosition
		want []EmotePosition
	}{
		{name: "empty", in: nil, want: nil},
		{
			name: "sorts ascending",
			in:   []EmotePosition{{EmoteID: "b", Start: 9, End: 17}, {EmoteID: "a", Start: 0, End: 5}},
			want: []EmotePosition{{EmoteID: "a", Start: 0, End: 5}, {EmoteID: "b", Start: 9, End: 17}},
		},
		{
			name: "drops overlap",
			in:   []EmotePosition{{EmoteID: "a", Start: 0, End: 5}, {EmoteID: "dup", Start: 3, End: 7}},
			want: []EmotePosition{{EmoteID: "a", Start: 0, End: 5}},
		},
		{
			name: "counts runes not bytes",
			in:   []EmotePosition{{EmoteID: "spark", Start: 18, End: 20}},
			want: []EmotePosition{{EmoteID: "spark", Start: 18, End: 20}},
		},
		{
			name: "drops out of range",
			in:   []EmotePosition{{EmoteID: "far", Start: 18, End: 21}},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeEmotes(body, tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("NormalizeEmotes mismatch:\nwant %#v\ngot  %#v", tt.want, got)
			}
			if !EmotesValid(body, got) {
				t.Fatalf("normalized positions not valid: %#v", got)
			}
		})
	}
}

func TestChatEventValidate(t *testing.T) {
	now := time.Now()
	good := MessageEvent(Message{ID: "m1", UserID: "u1", ChannelID: "c1", Body: "hi", PostedAt: now})
	if err := good.Validate(); err != nil {
		t.Fatalf("expected valid message, got %v", err)
	}

	mixed := good
	mixed.Subscription = &Subscription{ID: "s1"}
	if err := mixed.Validate(); err == nil {
		t.Fatalf("expected mixed payload to be rejected")
	}

	badEmote := MessageEvent(Message{ID: "m2", UserID: "u1", ChannelID: "c1", Body: "hi", PostedAt: now,
		Emotes: []EmotePosition{{EmoteID: "x", Start: 0, End: 3}}})
	if err := badEmote.Validate(); err == nil {
		t.Fatalf("expected emote past body end to be rejected")
	}

	sub := SubscriptionEvent(Subscription{ID: "s1", Kind: SubResub, ChannelID: "c1", OccurredAt: now, Tier: "1000"})
	if err := sub.Validate(); err != nil {
		t.Fatalf("expected valid subscription, got %v", err)
	}
	sub.Subscription.Kind = "bogus"
	if err := sub.Validate(); err == nil {
		t.Fatalf("expected unknown subscription kind to be rejected")
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	orig := MessageEvent(Message{
		ID: "m1", BadgeRefs: []string{"moderator/1"},
		Reply: &ReplyInfo{ParentID: "p1"},
	})
	cp := orig.Clone()
	cp.Message.BadgeRefs[0] = "vip/1"
	cp.Message.Reply.ParentID = "p2"
	cp.SetDeleted()

	if orig.Message.BadgeRefs[0] != "moderator/1" || orig.Message.Reply.ParentID != "p1" || orig.Deleted() {
		t.Fatalf("clone aliased original: %+v", orig.Message)
	}
}

func TestLocalPendingIDs(t *testing.T) {
	id := NewLocalPendingID()
	if !IsLocalPendingID(id) {
		t.Fatalf("expected %q to be local-pending", id)
	}
	if IsLocalPendingID("tw-99") {
		t.Fatalf("canonical id reported as pending")
	}
	if id == NewLocalPendingID() {
		t.Fatalf("expected unique pending ids")
	}
}

func TestNewIdentity(t *testing.T) {
	got := NewIdentity("42", " SomeUser ", "")
	if got.Username != "someuser" || got.DisplayName != "someuser" {
		t.Fatalf("unexpected identity: %+v", got)
	}
	got = NewIdentity("42", "", "Cased")
	if got.Username != "cased" || got.DisplayName != "Cased" {
		t.Fatalf("unexpected identity: %+v", got)
	}
}
