package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/voiceloop/internal/dialogue"
	"github.com/MrWong99/voiceloop/pkg/memory"
)

func writeFrames(w http.ResponseWriter, frames ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, f := range frames {
		fmt.Fprintf(w, "data: %s\n\n", f)
		if fl, ok := w.(http.Flusher); ok {
			fl.Flush()
		}
	}
}

func drain(t *testing.T, ch <-chan dialogue.Event) []dialogue.Event {
	t.Helper()
	var out []dialogue.Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestNew_EmptyBaseURL(t *testing.T) {
	t.Parallel()
	if _, err := New("", "tok"); err == nil {
		t.Error("expected error for empty baseURL")
	}
}

func TestStream(t *testing.T) {
	t.Parallel()

	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != defaultStreamPath {
			t.Errorf("path = %q", r.URL.Path)
		}
		if h := r.Header.Get("Authorization"); h != "Bearer tok" {
			t.Errorf("Authorization = %q", h)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		writeFrames(w,
			`{"type":"sentence","content":"Hello!","index":0}`,
			`{"type":"sentence","content":"How can I help?","index":1}`,
			`{"type":"done","fullResponse":"Hello! How can I help?","customerContext":{"name":"Jane"},"languageSwitch":"de"}`,
		)
	}))
	defer srv.Close()

	b, err := New(srv.URL, "tok")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	req := dialogue.Request{
		UserText: "Hi",
		AgentID:  "agent-1",
		Language: "en",
		History:  []memory.Turn{{Role: memory.RoleUser, Text: "earlier"}},
		Customer: memory.CustomerContext{Email: "j@example.com"},
		Options:  dialogue.Options{UseRAG: true, Provider: "openai"},
	}
	ch, err := b.Stream(context.Background(), req)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events := drain(t, ch)

	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	if events[1].Sentence != (dialogue.Sentence{Index: 1, Text: "How can I help?"}) {
		t.Errorf("second sentence = %+v", events[1].Sentence)
	}
	done := events[2]
	if done.Type != dialogue.EventDone || done.Result == nil {
		t.Fatalf("last event = %+v, want done", done)
	}
	if done.Result.LanguageSwitch != "de" || done.Result.Customer == nil || done.Result.Customer.Name != "Jane" {
		t.Errorf("done result = %+v", done.Result)
	}

	if got.Message != "Hi" || got.AgentID != "agent-1" || got.Options.Language != "en" || !got.Options.UseRAG {
		t.Errorf("request body = %+v", got)
	}
	if got.CustomerContext == nil || got.CustomerContext.Email != "j@example.com" {
		t.Errorf("customerContext = %+v", got.CustomerContext)
	}
	if len(got.ConversationHistory) != 1 || got.ConversationHistory[0].Role != "user" {
		t.Errorf("conversationHistory = %+v", got.ConversationHistory)
	}
}

func TestStream_MissingIndexCountsUp(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeFrames(w, `{"type":"sentence","content":"A."}`, `{"type":"sentence","content":"B."}`, `[DONE]`)
	}))
	defer srv.Close()

	b, _ := New(srv.URL, "tok")
	ch, err := b.Stream(context.Background(), dialogue.Request{UserText: "x"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events := drain(t, ch)
	var idx []int
	for _, ev := range events {
		idx = append(idx, ev.Sentence.Index)
	}
	if !slices.Equal(idx, []int{0, 1}) {
		t.Errorf("indices = %v, want [0 1]", idx)
	}
}

func TestStream_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		handler   http.HandlerFunc
		token     string
		openErr   bool
		wantEvent dialogue.EventType
	}{
		{
			name:    "missing token",
			token:   "",
			openErr: true,
		},
		{
			name:    "server error",
			token:   "tok",
			handler: func(w http.ResponseWriter, _ *http.Request) { http.Error(w, "boom", http.StatusBadGateway) },
			openErr: true,
		},
		{
			name:  "error frame",
			token: "tok",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				writeFrames(w, `{"type":"error","message":"model overloaded"}`)
			},
			wantEvent: dialogue.EventError,
		},
		{
			name:  "malformed frame",
			token: "tok",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				writeFrames(w, `{not json`)
			},
			wantEvent: dialogue.EventError,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := tc.handler
			if h == nil {
				h = func(w http.ResponseWriter, _ *http.Request) { t.Error("server called") }
			}
			srv := httptest.NewServer(h)
			defer srv.Close()

			b, _ := New(srv.URL, tc.token)
			ch, err := b.Stream(context.Background(), dialogue.Request{UserText: "x"})
			if tc.openErr {
				if err == nil {
					t.Fatal("expected open error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Stream: %v", err)
			}
			events := drain(t, ch)
			if len(events) != 1 || events[0].Type != tc.wantEvent {
				t.Errorf("events = %+v, want one %v", events, tc.wantEvent)
			}
		})
	}
}

func TestStream_MissingTokenIsCredentialError(t *testing.T) {
	t.Parallel()

	b, _ := New("http://127.0.0.1:1", "")
	_, err := b.Stream(context.Background(), dialogue.Request{UserText: "x"})
	if !errors.Is(err, dialogue.ErrMissingCredentials) {
		t.Errorf("err = %v, want ErrMissingCredentials", err)
	}
}

func TestComplete(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != defaultCompletePath {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response":"LANGUAGE_SWITCH:fr Bonjour.","customerContext":{"phone":"+331234567"}}`))
	}))
	defer srv.Close()

	b, _ := New(srv.URL, "tok")
	res, err := b.Complete(context.Background(), dialogue.Request{UserText: "x"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.FullResponse != "LANGUAGE_SWITCH:fr Bonjour." {
		t.Errorf("FullResponse = %q", res.FullResponse)
	}
	if res.Customer == nil || res.Customer.Phone != "+331234567" {
		t.Errorf("Customer = %+v", res.Customer)
	}
}

func TestEngine_FallsBackAfterBrokenStream(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case defaultStreamPath:
			writeFrames(w, `{"type":"sentence","content":"Sure.","index":0}`)
			// Connection closes without a done frame.
		case defaultCompletePath:
			_, _ = w.Write([]byte(`{"response":"Sure. Your order ships today."}`))
		}
	}))
	defer srv.Close()

	b, _ := New(srv.URL, "tok")
	var spoken []string
	resp, err := dialogue.NewEngine(b).Respond(context.Background(), dialogue.Request{UserText: "status?"},
		func(s dialogue.Sentence) { spoken = append(spoken, s.Text) })
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if want := []string{"Sure.", "Your order ships today."}; !slices.Equal(spoken, want) {
		t.Errorf("spoken = %q, want %q", spoken, want)
	}
	if !resp.FellBack || !strings.HasPrefix(resp.Text, "Sure.") {
		t.Errorf("response = %+v", resp)
	}
}
