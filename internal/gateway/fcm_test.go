package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/notifyhub/push-delivery/internal/domain"
)

func TestFCMSendMapsPerTokenResults(t *testing.T) {
	var got fcmMulticastRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages:sendMulticast" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer cred" {
			t.Errorf("unexpected authorization header %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(fcmSendResponse{
			Responses: []struct {
				Success   bool   `json:"success"`
				MessageID string `json:"messageId,omitempty"`
				Error     string `json:"error,omitempty"`
			}{
				{Success: true, MessageID: "m1"},
				{Success: false, Error: "registration-token-not-registered"},
			},
			SuccessCount: 1,
			FailureCount: 1,
		})
	}))
	defer srv.Close()

	client := NewFCMClient(srv.URL, "cred", time.Second, 100)
	results, err := client.Send(context.Background(), []string{"tok-a", "tok-b"}, &Message{
		Title:    "New Follower",
		Body:     "Someone started following you!",
		Priority: domain.PriorityHigh,
		TTL:      time.Hour,
		Sound:    true,
		Data:     map[string]string{"actionUrl": "https://app/u/u1"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Err != nil || results[0].MessageID != "m1" {
		t.Errorf("first result = %+v, want success m1", results[0])
	}
	if results[1].Err == nil || results[1].Err.Type != ErrTypeUnregistered {
		t.Errorf("second result = %+v, want UNREGISTERED", results[1])
	}

	if got.Android.Priority != "high" {
		t.Errorf("android priority = %q, want high", got.Android.Priority)
	}
	if got.Android.TTL != "3600s" {
		t.Errorf("android ttl = %q, want 3600s", got.Android.TTL)
	}
	if got.Android.Notification.Sound != "default" {
		t.Errorf("android sound = %q, want default", got.Android.Notification.Sound)
	}
}

func TestFCMSendTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewFCMClient(srv.URL, "cred", time.Second, 100)
	if _, err := client.Send(context.Background(), []string{"tok"}, &Message{Title: "t"}); err == nil {
		t.Fatal("expected transport error on 502")
	}
}

func TestFCMSendResponseCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(fcmSendResponse{})
	}))
	defer srv.Close()

	client := NewFCMClient(srv.URL, "cred", time.Second, 100)
	if _, err := client.Send(context.Background(), []string{"tok"}, &Message{Title: "t"}); err == nil {
		t.Fatal("expected error on response count mismatch")
	}
}

func TestFCMSendTopic(t *testing.T) {
	var got fcmTopicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages:sendToTopic" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]string{"messageId": "m9"})
	}))
	defer srv.Close()

	client := NewFCMClient(srv.URL, "cred", time.Second, 100)
	err := client.SendTopic(context.Background(), "user_u1_followers", &Message{
		Title: "Live now", Priority: domain.PriorityNormal,
	})
	if err != nil {
		t.Fatalf("SendTopic: %v", err)
	}
	if got.Topic != "user_u1_followers" {
		t.Errorf("topic = %q", got.Topic)
	}
	if got.Android.Priority != "normal" {
		t.Errorf("android priority = %q, want normal", got.Android.Priority)
	}
}
