package alertbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/curbz/skyguard/internal/model"
)

func TestBroadcastFanOut(t *testing.T) {
	b := NewBroadcast[model.CollisionAlert](4)
	a, _ := b.Subscribe()
	c, _ := b.Subscribe()

	alert := model.CollisionAlert{Aircraft: 3, Altitude: 32000}
	if dropped, err := b.Publish(alert); err != nil || dropped != 0 {
		t.Fatalf("Publish: dropped=%d err=%v", dropped, err)
	}
	for i, s := range []*Subscription[model.CollisionAlert]{a, c} {
		select {
		case got := <-s.C():
			if got != alert {
				t.Errorf("subscriber %d: got %+v, want %+v", i, got, alert)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received the alert", i)
		}
	}
}

func TestLateSubscriberMissesEarlierMessages(t *testing.T) {
	b := NewBroadcast[model.TimeoutWarning](4)
	if _, err := b.Publish(model.TimeoutWarning{Aircraft: 1}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	s, _ := b.Subscribe()
	select {
	case w := <-s.C():
		t.Fatalf("late subscriber received %+v", w)
	default:
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	b := NewBroadcast[model.TimeoutWarning](1)
	slow, _ := b.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			b.Publish(model.TimeoutWarning{Aircraft: model.AircraftID(i)})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	if got := b.Dropped(); got != 9 {
		t.Fatalf("Dropped: got %d, want 9", got)
	}
	if w := <-slow.C(); w.Aircraft != 0 {
		t.Fatalf("buffered message: got %+v, want aircraft 0", w)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := NewBroadcast[model.CollisionAlert](1)
	s, _ := b.Subscribe()
	s.Unsubscribe()
	s.Unsubscribe()

	if n := b.Subscribers(); n != 0 {
		t.Fatalf("Subscribers: got %d, want 0", n)
	}
	if _, ok := <-s.C(); ok {
		t.Fatal("channel still open after Unsubscribe")
	}
	if _, err := b.Publish(model.CollisionAlert{}); err != nil {
		t.Fatalf("Publish after unsubscribe: %v", err)
	}
}

func TestBroadcastClose(t *testing.T) {
	b := NewBroadcast[model.CollisionAlert](1)
	s, _ := b.Subscribe()
	b.Close()
	b.Close()

	if _, ok := <-s.C(); ok {
		t.Fatal("subscription not closed with broadcast")
	}
	s.Unsubscribe()
	if _, err := b.Subscribe(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Subscribe after Close: got %v, want ErrClosed", err)
	}
	if _, err := b.Publish(model.CollisionAlert{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Publish after Close: got %v, want ErrClosed", err)
	}
}

func TestExitQueueBackpressure(t *testing.T) {
	q := NewExitQueue(1)
	ctx := context.Background()
	if err := q.Notify(ctx, model.ExitNotice{Aircraft: 1}); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	blocked := make(chan error, 1)
	go func() { blocked <- q.Notify(ctx, model.ExitNotice{Aircraft: 2}) }()

	select {
	case err := <-blocked:
		t.Fatalf("second Notify returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if n := <-q.C(); n.Aircraft != 1 {
		t.Fatalf("first notice: got %+v", n)
	}
	if err := <-blocked; err != nil {
		t.Fatalf("second Notify: %v", err)
	}
	if n := <-q.C(); n.Aircraft != 2 {
		t.Fatalf("second notice: got %+v", n)
	}
}

func TestExitQueueCloseAndCancel(t *testing.T) {
	q := NewExitQueue(1)
	q.Notify(context.Background(), model.ExitNotice{Aircraft: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.Notify(ctx, model.ExitNotice{Aircraft: 2}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Notify with cancelled context: got %v", err)
	}

	q.Close()
	q.Close()
	if err := q.Notify(context.Background(), model.ExitNotice{Aircraft: 3}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Notify after Close: got %v, want ErrClosed", err)
	}
	if n := <-q.C(); n.Aircraft != 1 {
		t.Fatalf("queued notice lost on Close: %+v", n)
	}
}

func TestBusCloseAlertsKeepsExitQueue(t *testing.T) {
	b := New(2, 2)
	sub, _ := b.Warnings.Subscribe()
	b.CloseAlerts()

	if _, ok := <-sub.C(); ok {
		t.Fatal("warning subscription still open")
	}
	if _, err := b.Collisions.Subscribe(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Subscribe after CloseAlerts: got %v, want ErrClosed", err)
	}
	if err := b.Exits.Notify(context.Background(), model.ExitNotice{Aircraft: 1}); err != nil {
		t.Fatalf("Notify after CloseAlerts: %v", err)
	}

	b.Close()
	if err := b.Exits.Notify(context.Background(), model.ExitNotice{Aircraft: 2}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Notify after Close: got %v, want ErrClosed", err)
	}
}
