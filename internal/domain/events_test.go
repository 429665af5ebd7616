package domain

import (
	"encoding/json"
	"testing"
)

func TestRoutingKey(t *testing.T) {
	tests := []struct {
		eventType string
		want      string
	}{
		{EventUserFollowed, "notification.events"},
		{EventCommentCreated, "notification.events"},
		{EventPostCreated, "notification.events"},
		// Outcome events get their own keys so they never land back in
		// the consumer queue.
		{EventProcessed, "notification.event.processed"},
		{EventDelivery, "notification.delivery"},
	}
	for _, tt := range tests {
		if got := RoutingKey(tt.eventType); got != tt.want {
			t.Errorf("RoutingKey(%s) = %q, want %q", tt.eventType, got, tt.want)
		}
	}
}

func TestDecodeEnvelope(t *testing.T) {
	t.Run("flat document", func(t *testing.T) {
		body := []byte(`{"eventId":"e1","eventType":"user.followed","version":"v1",
			"timestamp":"2025-06-01T12:00:00Z","followerId":"u1","followeeId":"u2"}`)
		env, err := DecodeEnvelope(body)
		if err != nil {
			t.Fatalf("DecodeEnvelope: %v", err)
		}
		if env.EventID != "e1" || env.EventType != "user.followed" {
			t.Fatalf("header = %s/%s", env.EventID, env.EventType)
		}
		var ev UserFollowedEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if ev.FollowerID != "u1" || ev.FolloweeID != "u2" {
			t.Errorf("payload fields = %s/%s", ev.FollowerID, ev.FolloweeID)
		}
	})

	t.Run("nested payload accepted", func(t *testing.T) {
		body := []byte(`{"eventId":"e1","eventType":"user.followed","version":"v1",
			"payload":{"followerId":"u1","followeeId":"u2"}}`)
		env, err := DecodeEnvelope(body)
		if err != nil {
			t.Fatalf("DecodeEnvelope: %v", err)
		}
		var ev UserFollowedEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if ev.FollowerID != "u1" {
			t.Errorf("followerId = %s", ev.FollowerID)
		}
	})

	t.Run("not json", func(t *testing.T) {
		if _, err := DecodeEnvelope([]byte("{nope")); err == nil {
			t.Fatal("garbage must not decode")
		}
	})
}
