package hub

import (
	"encoding/json"
	"testing"

	"github.com/samanakhatri365/samana-khatri-QueueEase/internal/models"
	"github.com/samanakhatri365/samana-khatri-QueueEase/internal/queue"

	"github.com/rs/zerolog"
)

func drain(t *testing.T, client *Client) []byte {
	t.Helper()
	select {
	case msg := <-client.Send:
		return msg
	default:
		t.Fatal("expected a message")
		return nil
	}
}

func TestBroadcastReachesJoinedClientsOnly(t *testing.T) {
	h := New(zerolog.Nop())

	joined := NewClient("a", 4)
	other := NewClient("b", 4)
	h.Register(joined)
	h.Register(other)
	h.Join(joined, ChannelKey("opd"))
	h.Join(other, ChannelKey("derm"))

	h.Broadcast(ChannelKey("opd"), []byte("hello"))

	if got := string(drain(t, joined)); got != "hello" {
		t.Fatalf("got %q, want hello", got)
	}
	select {
	case msg := <-other.Send:
		t.Fatalf("unexpected message for other client: %s", msg)
	default:
	}
}

func TestLeaveStopsDelivery(t *testing.T) {
	h := New(zerolog.Nop())
	client := NewClient("a", 4)
	h.Register(client)
	h.Join(client, ChannelKey("opd"))
	h.Leave(client, ChannelKey("opd"))

	h.Broadcast(ChannelKey("opd"), []byte("hello"))

	select {
	case msg := <-client.Send:
		t.Fatalf("unexpected message after leave: %s", msg)
	default:
	}
}

func TestSlowClientIsSkippedNotBlocked(t *testing.T) {
	h := New(zerolog.Nop())
	slow := NewClient("slow", 1)
	h.Register(slow)
	h.Join(slow, ChannelKey("opd"))

	h.Broadcast(ChannelKey("opd"), []byte("one"))
	// Buffer full. Must return without blocking.
	h.Broadcast(ChannelKey("opd"), []byte("two"))

	if got := string(drain(t, slow)); got != "one" {
		t.Fatalf("got %q, want one", got)
	}
}

func TestUnregisterClosesSendOnce(t *testing.T) {
	h := New(zerolog.Nop())
	client := NewClient("a", 1)
	h.Register(client)
	h.Unregister(client)
	h.Unregister(client)

	if _, open := <-client.Send; open {
		t.Fatal("send channel should be closed")
	}
}

func TestPublishWrapsSnapshotInEnvelope(t *testing.T) {
	h := New(zerolog.Nop())
	client := NewClient("a", 4)
	h.Register(client)
	h.Join(client, ChannelKey("opd"))

	h.Publish(queue.Snapshot{
		DepartmentID: "opd",
		Date:         "2025-03-10",
		Waiting:      []models.Token{{TokenID: "tok-1", DisplayNumber: "OPD001"}},
	})

	var envelope Envelope
	if err := json.Unmarshal(drain(t, client), &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Type != EventQueueUpdated {
		t.Fatalf("got type %q, want %q", envelope.Type, EventQueueUpdated)
	}
	var snapshot queue.Snapshot
	if err := json.Unmarshal(envelope.Payload, &snapshot); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if snapshot.DepartmentID != "opd" || len(snapshot.Waiting) != 1 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
}

func TestParseControl(t *testing.T) {
	cases := []struct {
		raw    string
		ok     bool
		action string
	}{
		{`{"action":"join","department_id":"opd"}`, true, "join"},
		{`{"action":"leave","department_id":"opd"}`, true, "leave"},
		{`{"action":"join"}`, false, ""},
		{`{"action":"subscribe","department_id":"opd"}`, false, ""},
		{`not json`, false, ""},
	}
	for _, tt := range cases {
		msg, ok := ParseControl([]byte(tt.raw))
		if ok != tt.ok {
			t.Fatalf("ParseControl(%q) ok=%v, want %v", tt.raw, ok, tt.ok)
		}
		if ok && msg.Action != tt.action {
			t.Fatalf("ParseControl(%q) action=%q, want %q", tt.raw, msg.Action, tt.action)
		}
	}
}
