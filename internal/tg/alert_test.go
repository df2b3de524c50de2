package tg

import (
	"context"
	"strings"
	"testing"

	"github.com/pvzzle/cryptopay/internal/bus"
)

func TestAlerter_Queues(t *testing.T) {
	ch := make(chan bus.Notification, 1)
	a := NewAlerter(99, ch, nil)

	a.Alert(context.Background(), "commit failed")

	select {
	case n := <-ch:
		if n.ChatID != 99 || !strings.Contains(n.Text, "commit failed") {
			t.Fatalf("unexpected notification: %+v", n)
		}
	default:
		t.Fatalf("expected queued notification")
	}
}

func TestAlerter_DoesNotBlockWhenFull(t *testing.T) {
	ch := make(chan bus.Notification, 1)
	a := NewAlerter(99, ch, nil)

	a.Alert(context.Background(), "first")
	a.Alert(context.Background(), "second")

	if len(ch) != 1 {
		t.Fatalf("expected 1 queued notification, got %d", len(ch))
	}
	if n := <-ch; n.Text != "🚨 first" {
		t.Fatalf("expected first alert kept, got %q", n.Text)
	}
}

func TestAlerter_NoChat(t *testing.T) {
	ch := make(chan bus.Notification, 1)
	NewAlerter(0, ch, nil).Alert(context.Background(), "x")

	if len(ch) != 0 {
		t.Fatalf("expected nothing queued without a chat id")
	}
}
