package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestObserveRequest_IncrementsCountersAndHistogram(t *testing.T) {
	m := New()
	m.ObserveRequest("llama", "chat", 25*time.Millisecond, "")
	m.ObserveRequest("llama", "chat", 25*time.Millisecond, "EngineError")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	if !strings.Contains(body, `llmpool_requests_total{model="llama",task="chat"} 2`) {
		t.Fatalf("expected requests_total=2 for llama/chat, got:\n%s", body)
	}
	if !strings.Contains(body, `llmpool_errors_total{kind="EngineError",model="llama"} 1`) {
		t.Fatalf("expected errors_total=1 for llama/EngineError, got:\n%s", body)
	}
}

func TestObserveCache_HitsAndMisses(t *testing.T) {
	m := New()
	m.ObserveCache("chat", true)
	m.ObserveCache("chat", false)
	m.ObserveCache("chat", false)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	if !strings.Contains(body, `llmpool_cache_hits_total{task="chat"} 1`) {
		t.Fatalf("expected cache_hits_total=1, got:\n%s", body)
	}
	if !strings.Contains(body, `llmpool_cache_misses_total{task="chat"} 2`) {
		t.Fatalf("expected cache_misses_total=2, got:\n%s", body)
	}
}

func TestSetPoolGauges(t *testing.T) {
	m := New()
	m.SetPoolGauges(3, []ModelGaugeSample{{Model: "llama", Live: 2, Loading: 1, Waiters: 4}})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	if !strings.Contains(body, `llmpool_active_requests 3`) {
		t.Fatalf("expected active_requests=3, got:\n%s", body)
	}
	if !strings.Contains(body, `llmpool_instances_live{model="llama"} 2`) {
		t.Fatalf("expected instances_live=2, got:\n%s", body)
	}
	if !strings.Contains(body, `llmpool_waiters{model="llama"} 4`) {
		t.Fatalf("expected waiters=4, got:\n%s", body)
	}
}
