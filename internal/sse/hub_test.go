package sse

import (
	"strings"
	"testing"
)

func TestPublishReachesSubscribers(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe("User_B@domain.com")
	defer cancel()
	other, cancelOther := hub.Subscribe("user_c@domain.com")
	defer cancelOther()

	err := hub.Publish([]string{"user_b@domain.com", "USER_B@domain.com", ""}, Event{Type: "message", Data: map[string]string{"id": "m1"}})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case payload := <-ch:
		got := string(payload)
		if !strings.HasPrefix(got, "event: message\n") || !strings.Contains(got, `"id":"m1"`) {
			t.Errorf("payload = %q", got)
		}
	default:
		t.Fatal("subscriber received nothing")
	}
	select {
	case payload := <-ch:
		t.Errorf("duplicate delivery: %q", payload)
	default:
	}
	select {
	case payload := <-other:
		t.Errorf("unrelated subscriber received %q", payload)
	default:
	}
}

func TestCancelUnsubscribes(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe("a@domain.com")
	if hub.Subscribers("a@domain.com") != 1 {
		t.Fatal("subscriber not registered")
	}
	cancel()
	cancel()
	if hub.Subscribers("a@domain.com") != 0 {
		t.Error("subscriber still registered after cancel")
	}
	if _, ok := <-ch; ok {
		t.Error("channel not closed")
	}
}

func TestPublishDoesNotBlockOnFullBuffer(t *testing.T) {
	hub := NewHub()
	_, cancel := hub.Subscribe("a@domain.com")
	defer cancel()
	for i := 0; i < 100; i++ {
		if err := hub.Publish([]string{"a@domain.com"}, Event{Data: i}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
}
