package notifications

import (
	"context"
	"testing"
)

func TestInMemoryNotifierRecordsAndDispatches(t *testing.T) {
	notifier := NewInMemoryNotifier()
	ctx := context.Background()

	var handled []Notification
	notifier.OnNotification(func(n Notification) {
		handled = append(handled, n)
	})

	err := notifier.Send(ctx, Notification{
		Type:          NotificationProviderDown,
		ProviderIndex: 2,
		Message:       "provider 2 circuit opened",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	sent := notifier.GetNotifications()
	if len(sent) != 1 {
		t.Fatalf("got %d notifications, want 1", len(sent))
	}
	if sent[0].Type != NotificationProviderDown || sent[0].ProviderIndex != 2 {
		t.Errorf("unexpected notification: %+v", sent[0])
	}

	if len(handled) != 1 {
		t.Fatalf("handler called %d times, want 1", len(handled))
	}

	notifier.Clear()
	if len(notifier.GetNotifications()) != 0 {
		t.Error("Clear() should drop recorded notifications")
	}
}

func TestInMemoryNotifierCopiesSnapshot(t *testing.T) {
	notifier := NewInMemoryNotifier()
	ctx := context.Background()

	notifier.Send(ctx, Notification{Type: NotificationRateLimited, CallerID: "u-1", Message: "caller u-1 rate limited"})

	snapshot := notifier.GetNotifications()
	snapshot[0].CallerID = "mutated"

	if notifier.GetNotifications()[0].CallerID != "u-1" {
		t.Error("snapshot mutation must not affect stored notifications")
	}
}
