package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nexus-chat/internal/domain"
)

func TestEvaluatePassesSingleReply(t *testing.T) {
	sc := Scenario{Name: "ok", Input: "hola", ExpectReplies: 1}
	res := summarize([]domain.Message{
		{Role: domain.RoleUser, Content: "hola"},
		{Role: domain.RoleAssistant, Content: replyFor("hola")},
	}, time.Second)
	if problems := evaluate(sc, res); len(problems) != 0 {
		t.Fatalf("expected no problems, got %v", problems)
	}
}

func TestEvaluateDetectsDuplicateReply(t *testing.T) {
	sc := Scenario{Name: "dup", Input: "hola", ExpectReplies: 1}
	res := summarize([]domain.Message{
		{Role: domain.RoleUser, Content: "hola"},
		{Role: domain.RoleAssistant, Content: replyFor("hola")},
		{Role: domain.RoleAssistant, Content: replyFor("hola")},
	}, time.Second)
	problems := evaluate(sc, res)
	if len(problems) != 1 || !strings.Contains(problems[0], "hubo 2") {
		t.Fatalf("expected duplicate detected, got %v", problems)
	}
}

func TestEvaluateResetRequiresEmptyTranscript(t *testing.T) {
	sc := Scenario{Name: "reset", Input: "hola", ResetBeforeReply: true}
	res := summarize([]domain.Message{
		{Role: domain.RoleAssistant, Content: replyFor("hola")},
	}, time.Second)
	problems := evaluate(sc, res)
	if len(problems) != 2 {
		t.Fatalf("expected reply count and transcript problems, got %v", problems)
	}
}

func TestEvaluateFlagsErrorEntries(t *testing.T) {
	sc := Scenario{Name: "err", Input: "hola", ExpectReplies: 0}
	res := summarize([]domain.Message{
		{Role: domain.RoleUser, Content: "hola"},
		{Role: domain.RoleError, Content: "timeout"},
	}, time.Second)
	if problems := evaluate(sc, res); len(problems) != 1 {
		t.Fatalf("expected error entry flagged, got %v", problems)
	}
}

func TestSimulatedWorkerPublishes(t *testing.T) {
	got := make(chan map[string]string, 1)
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		got <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	worker := newSimulatedWorker(srv.URL, "tok", 0)
	if err := worker.Send(context.Background(), "s1", "hola"); err != nil {
		t.Fatalf("send: %v", err)
	}
	worker.Wait()

	body := <-got
	if body["sessionId"] != "s1" || body["text"] != replyFor("hola") {
		t.Fatalf("unexpected publish body: %v", body)
	}
	if auth != "Bearer tok" {
		t.Fatalf("expected worker token, got %q", auth)
	}
}
