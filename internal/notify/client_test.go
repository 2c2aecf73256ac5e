package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNotifyRewardFailure_OK(t *testing.T) {
	var got RewardFailure

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/events/reward-failure" {
			t.Fatalf("path = %s, want /api/events/reward-failure", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Fatalf("content-type = %q, want application/json", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c := NewClient(ts.URL)

	err := c.NotifyRewardFailure(RewardFailure{
		ReferralID: 7,
		ReferrerID: 1,
		Amount:     500,
		Reason:     "storage unavailable",
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("NotifyRewardFailure error: %v", err)
	}

	if got.ReferralID != 7 || got.ReferrerID != 1 || got.Amount != 500 {
		t.Fatalf("unexpected event payload: %+v", got)
	}
}

func TestNotifyRewardFailure_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	c := NewClient(ts.URL)

	err := c.NotifyRewardFailure(RewardFailure{ReferralID: 1})
	if err == nil {
		t.Fatalf("expected error for non-2xx response")
	}
}

func TestNotifyRewardFailure_NotConfigured(t *testing.T) {
	c := NewClient("")

	err := c.NotifyRewardFailure(RewardFailure{ReferralID: 1})
	if err == nil {
		t.Fatalf("expected error for unconfigured client")
	}
}
