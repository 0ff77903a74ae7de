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

	"github.com/you/overlaykit/internal/core"
)

// fakeServer accepts one client, consumes the handshake, writes lines and
// then hands every further client line to got.
func fakeServer(t *testing.T, lines []string) (addr string, got <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	out := make(chan string, 16)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		for i := 0; i < 4; i++ {
			if _, err := reader.ReadString('\n'); err != nil {
				return
			}
		}
		for _, l := range lines {
			fmt.Fprintf(conn, "%s\r\n", l)
		}
		for {
			l, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			out <- strings.TrimRight(l, "\r\n")
		}
	}()
	return ln.Addr().String(), out
}

func TestClientEmitsEventsAndSays(t *testing.T) {
	addr, got := fakeServer(t, []string{
		":tmi.twitch.tv 001 nick :Welcome, GLHF!",
		"@badges=moderator/1;display-name=Mod;user-id=7;id=m1 :mod!mod@mod.tmi.twitch.tv PRIVMSG #chan :!timer add 5",
		"@bits=100;display-name=Fan;user-id=8 :fan!fan@fan.tmi.twitch.tv PRIVMSG #chan :Cheer100 go",
		"@msg-id=sub;msg-param-sub-plan=2000;login=newbie;display-name=Newbie;user-id=9 :tmi.twitch.tv USERNOTICE #chan",
		"@msg-id=raid;msg-param-viewerCount=42;login=raider;user-id=10 :tmi.twitch.tv USERNOTICE #chan",
	})

	client := New(Config{Channel: "chan", Nick: "bot", Token: "secret", Addr: addr})

	var (
		mu     sync.Mutex
		events []core.Event
	)
	record := func(ev core.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}
	for _, kind := range []core.EventKind{core.EventMessage, core.EventCheer, core.EventSubscription, core.EventRaided} {
		client.On(kind, record)
	}
	client.On(core.EventMessage, func(core.Event) { panic("bad handler") })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(events)
		mu.Unlock()
		if n >= 5 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("received %d events, want 5", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	kinds := make([]core.EventKind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	first, sub, raid := events[0], events[3], events[4]
	mu.Unlock()

	want := []core.EventKind{core.EventMessage, core.EventMessage, core.EventCheer, core.EventSubscription, core.EventRaided}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event kinds = %v, want %v", kinds, want)
		}
	}
	if first.Text != "!timer add 5" || !first.Tags.Mod || first.Tags.UserID != "7" || first.Channel != "chan" {
		t.Fatalf("unexpected message event %+v", first)
	}
	if sub.Plan != core.PlanTier2 || sub.Tags.Name() != "Newbie" {
		t.Fatalf("unexpected sub event %+v", sub)
	}
	if raid.Viewers != 42 {
		t.Fatalf("unexpected raid event %+v", raid)
	}

	if err := client.Say(ctx, "#chan", "hello\nthere"); err != nil {
		t.Fatalf("say: %v", err)
	}
	select {
	case line := <-got:
		if line != "PRIVMSG #chan :hello there" {
			t.Fatalf("server got %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server never received PRIVMSG")
	}

	stats := client.Stats()
	if stats.Events != 5 || stats.Dropped == 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not exit")
	}
}

func TestSayWithoutConnection(t *testing.T) {
	client := New(Config{Channel: "chan", Nick: "bot"})
	if err := client.Say(context.Background(), "chan", "hi"); err != errNotConnected {
		t.Fatalf("err = %v, want errNotConnected", err)
	}
}

func TestToEvents(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		kinds  []core.EventKind
		reason string
	}{
		{"other channel", ":u!u@u PRIVMSG #elsewhere :hi", nil, "other_channel"},
		{"roomstate", "@room-id=1 :tmi.twitch.tv ROOMSTATE #chan", nil, "not_privmsg"},
		{"action", ":u!u@u PRIVMSG #chan :\x01ACTION waves\x01", []core.EventKind{core.EventMessage}, ""},
		{"resub", "@msg-id=resub;msg-param-cumulative-months=6 :tmi.twitch.tv USERNOTICE #chan :yay", []core.EventKind{core.EventResub}, ""},
		{"gift", "@msg-id=subgift;msg-param-recipient-display-name=Lucky :tmi.twitch.tv USERNOTICE #chan", []core.EventKind{core.EventSubGift}, ""},
		{"mystery gift summary", "@msg-id=submysterygift;msg-param-mass-gift-count=5 :tmi.twitch.tv USERNOTICE #chan", nil, "mystery_gift_summary"},
		{"announcement", "@msg-id=announcement :tmi.twitch.tv USERNOTICE #chan :hello", nil, "unhandled_usernotice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := parseLine(tt.line)
			if !ok {
				t.Fatalf("parse failed")
			}
			events, reason := toEvents(msg, "chan")
			if reason != tt.reason || len(events) != len(tt.kinds) {
				t.Fatalf("events=%v reason=%q", events, reason)
			}
			for i, k := range tt.kinds {
				if events[i].Kind != k {
					t.Fatalf("kind %d = %s, want %s", i, events[i].Kind, k)
				}
			}
		})
	}
}

func TestParseLineUnescapesTags(t *testing.T) {
	msg, ok := parseLine(`@display-name=A\sB;system-msg=hi\:there :tmi.twitch.tv USERNOTICE #chan :text here`)
	if !ok {
		t.Fatalf("parse failed")
	}
	if msg.tags["display-name"] != "A B" || msg.tags["system-msg"] != "hi;there" {
		t.Fatalf("tags = %v", msg.tags)
	}
	if msg.command != "USERNOTICE" || msg.params[0] != "#chan" || msg.trailing != "text here" {
		t.Fatalf("unexpected line %+v", msg)
	}
}
