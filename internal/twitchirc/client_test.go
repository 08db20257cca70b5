package twitchirc

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestAuthFailureTriggersRefresh(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				reader := bufio.NewReader(c)
				for i := 0; i < 4; i++ {
					if _, err := reader.ReadString('\n'); err != nil {
						return
					}
				}
				fmt.Fprintf(c, ":tmi.twitch.tv NOTICE * :Login authentication failed\r\n")
			}(conn)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	refreshed := make(chan struct{}, 1)
	var once sync.Once
	client := New(Config{
		Channel: "chan",
		Nick:    "nick",
		Token:   "oauth:old",
		Addr:    ln.Addr().String(),
		RefreshNow: func(context.Context) (string, error) {
			once.Do(func() {
				refreshed <- struct{}{}
				cancel()
			})
			return "oauth:new", nil
		},
	}, newFakeEngine())

	errCh := make(chan error, 1)
	go func() { errCh <- client.Run(ctx) }()

	select {
	case <-refreshed:
	case <-time.After(5 * time.Second):
		t.Fatalf("refresh not called")
	}
	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestRunIngestsAndReconcilesSelfEcho(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	privmsgSeen := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		for i := 0; i < 4; i++ {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			if i == 0 && !strings.HasPrefix(line, "PASS oauth:") {
				return
			}
		}
		fmt.Fprintf(conn, "%s\r\n", privmsgLine)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(line, "PRIVMSG #chan :") {
				privmsgSeen <- strings.TrimSpace(strings.TrimPrefix(line, "PRIVMSG #chan :"))
				fmt.Fprintf(conn, "@badges=moderator/1;color=#00FF00;display-name=Me;emote-sets=0;id=srv-9;mod=1 :tmi.twitch.tv USERSTATE #chan\r\n")
			}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := newFakeEngine()
	client := New(Config{Channel: "chan", Nick: "me", Token: "abc", Addr: ln.Addr().String()}, eng)
	go client.Run(ctx)

	select {
	case <-eng.received:
	case <-time.After(5 * time.Second):
		t.Fatalf("PRIVMSG not ingested")
	}

	if _, err := client.Send(ctx, "my line"); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case body := <-privmsgSeen:
		if body != "my line" {
			t.Fatalf("server saw %q", body)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("PRIVMSG not written")
	}
	select {
	case <-eng.received:
	case <-time.After(5 * time.Second):
		t.Fatalf("self echo not ingested")
	}

	eng.mu.Lock()
	defer eng.mu.Unlock()
	if len(eng.events) != 2 {
		t.Fatalf("events = %d", len(eng.events))
	}
	echo := eng.events[1].Message
	if echo.ID != "srv-9" || echo.Body != "my line" || echo.UserID != "9" || echo.Color != "#00FF00" {
		t.Fatalf("unexpected echo: %+v", echo)
	}
	if len(eng.sent) != 1 || eng.sent[0] != "my line" {
		t.Fatalf("SendLocal calls = %v", eng.sent)
	}
}
