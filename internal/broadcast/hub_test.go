package broadcast

import (
	"context"
	"sync"
	"testing"
)

func TestHubDeliversToEverySubscriber(t *testing.T) {
	hub := NewHub("")
	defer hub.Close()

	var (
		mu  sync.Mutex
		got []string
	)
	for i := 0; i < 2; i++ {
		if _, err := hub.Subscribe(func(env Envelope) {
			mu.Lock()
			got = append(got, env.Trigger)
			mu.Unlock()
		}); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	if err := hub.Publish(context.Background(), Envelope{Trigger: "!timer", SenderID: "a"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	hub.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "!timer" || got[1] != "!timer" {
		t.Fatalf("unexpected deliveries: %v", got)
	}
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub("test")
	defer hub.Close()

	count := 0
	var mu sync.Mutex
	cancel, err := hub.Subscribe(func(Envelope) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	_ = hub.Publish(context.Background(), Envelope{Trigger: "!a", SenderID: "x"})
	hub.Wait()
	cancel()
	cancel()
	_ = hub.Publish(context.Background(), Envelope{Trigger: "!a", SenderID: "x"})
	hub.Wait()

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("expected 1 delivery, got %d", count)
	}
}

func TestHubIsolatesPanics(t *testing.T) {
	hub := NewHub("test")
	defer hub.Close()

	delivered := make(chan struct{}, 1)
	_, _ = hub.Subscribe(func(Envelope) { panic("boom") })
	_, _ = hub.Subscribe(func(Envelope) { delivered <- struct{}{} })

	_ = hub.Publish(context.Background(), Envelope{Trigger: "!a", SenderID: "x"})
	hub.Wait()

	select {
	case <-delivered:
	default:
		t.Fatalf("second subscriber did not run")
	}
}

func TestHubPublishAfterClose(t *testing.T) {
	hub := NewHub("test")
	_ = hub.Close()
	if err := hub.Publish(context.Background(), Envelope{Trigger: "!a", SenderID: "x"}); err == nil {
		t.Fatalf("expected error after close")
	}
}

func TestDecodeRejectsInvalid(t *testing.T) {
	cases := []string{
		`not json`,
		`{"type":"other","trigger":"!a","senderId":"x"}`,
		`{"type":"command","trigger":"","senderId":"x"}`,
		`{"type":"command","trigger":"!a"}`,
	}
	for _, c := range cases {
		if _, err := Decode([]byte(c)); err == nil {
			t.Fatalf("expected error for %s", c)
		}
	}
	env, err := Decode([]byte(`{"type":"command","trigger":"!a","senderId":"x","context":{"args":["1"]}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Context.Args[0] != "1" {
		t.Fatalf("args not decoded: %+v", env)
	}
}

func TestSubject(t *testing.T) {
	if got := Subject("overlay.broadcast.", "my chan.x"); got != "overlay.broadcast.my_chan_x" {
		t.Fatalf("subject = %q", got)
	}
	if got := Subject("p", ""); got != "p."+DefaultName {
		t.Fatalf("subject = %q", got)
	}
}
