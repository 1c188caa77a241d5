package openai_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/voiceloop/pkg/provider/stt"
	"github.com/MrWong99/voiceloop/pkg/provider/stt/openai"
)

func TestTranscribe(t *testing.T) {
	t.Parallel()

	var gotModel, gotLang, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotModel = r.FormValue("model")
		gotLang = r.FormValue("language")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":" Bonjour. "}`))
	}))
	defer srv.Close()

	p := openai.New("sk-test", openai.WithBaseURL(srv.URL), openai.WithModel("gpt-4o-mini-transcribe"))
	tr, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte("RIFF"), MIMEType: "audio/wav", Language: "fr"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "Bonjour." {
		t.Errorf("Text = %q", tr.Text)
	}
	if gotPath != "/audio/transcriptions" {
		t.Errorf("path = %q", gotPath)
	}
	if gotModel != "gpt-4o-mini-transcribe" || gotLang != "fr" {
		t.Errorf("model=%q language=%q", gotModel, gotLang)
	}
}

func TestTranscribe_MissingKey(t *testing.T) {
	t.Parallel()

	_, err := openai.New("").Transcribe(context.Background(), stt.Request{Audio: []byte{1}})
	if !errors.Is(err, stt.ErrMissingCredentials) {
		t.Errorf("err = %v, want ErrMissingCredentials", err)
	}
}
