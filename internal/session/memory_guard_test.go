package session

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/voiceloop/pkg/memory"
	memorymock "github.com/MrWong99/voiceloop/pkg/memory/mock"
)

var scope = memory.Scope{AgentID: "pizza", ClientID: "c1"}

func TestMemoryGuard_AppendTurn(t *testing.T) {
	t.Run("successful write", func(t *testing.T) {
		store := &memorymock.Store{}
		mg := NewMemoryGuard(store)

		if err := mg.AppendTurn(context.Background(), "s1", memory.Turn{Role: memory.RoleUser, Text: "hello"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if mg.IsDegraded() {
			t.Error("should not be degraded after successful write")
		}
		if store.CallCount("AppendTurn") != 1 {
			t.Errorf("expected 1 AppendTurn call, got %d", store.CallCount("AppendTurn"))
		}
	})

	t.Run("write failure is swallowed", func(t *testing.T) {
		store := &memorymock.Store{AppendTurnErr: errors.New("disk full")}
		mg := NewMemoryGuard(store)

		if err := mg.AppendTurn(context.Background(), "s1", memory.Turn{Text: "hello"}); err != nil {
			t.Fatalf("expected nil error (swallowed), got %v", err)
		}
		if !mg.IsDegraded() {
			t.Error("should be degraded after failed write")
		}
	})

	t.Run("recovers from degraded after successful write", func(t *testing.T) {
		store := &memorymock.Store{AppendTurnErr: errors.New("temporary failure")}
		mg := NewMemoryGuard(store)

		_ = mg.AppendTurn(context.Background(), "s1", memory.Turn{Text: "a"})
		if !mg.IsDegraded() {
			t.Error("should be degraded")
		}

		store.AppendTurnErr = nil
		_ = mg.AppendTurn(context.Background(), "s1", memory.Turn{Text: "b"})
		if mg.IsDegraded() {
			t.Error("should have recovered from degraded state")
		}
	})
}

func TestMemoryGuard_Preferences(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		mg := NewMemoryGuard(&memorymock.Store{})
		ctx := context.Background()

		_ = mg.SavePreferences(ctx, scope, map[string]string{memory.PrefLanguage: "de"})
		got, err := mg.LoadPreferences(ctx, scope)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got[memory.PrefLanguage] != "de" {
			t.Errorf("language = %q, want de", got[memory.PrefLanguage])
		}
	})

	t.Run("load failure returns empty map", func(t *testing.T) {
		mg := NewMemoryGuard(&memorymock.Store{LoadPreferencesErr: errors.New("connection refused")})

		got, err := mg.LoadPreferences(context.Background(), scope)
		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
		if got == nil || len(got) != 0 {
			t.Errorf("expected empty non-nil map, got %v", got)
		}
		if !mg.IsDegraded() {
			t.Error("should be degraded after failed read")
		}
	})

	t.Run("save failure is swallowed", func(t *testing.T) {
		mg := NewMemoryGuard(&memorymock.Store{SavePreferencesErr: errors.New("read only")})
		if err := mg.SavePreferences(context.Background(), scope, map[string]string{}); err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
		if !mg.IsDegraded() {
			t.Error("should be degraded after failed write")
		}
	})
}

func TestMemoryGuard_Customer(t *testing.T) {
	t.Run("merge failure still returns the incoming facts", func(t *testing.T) {
		mg := NewMemoryGuard(&memorymock.Store{MergeCustomerErr: errors.New("db down")})

		got, err := mg.MergeCustomer(context.Background(), scope, memory.CustomerContext{Name: "Anna"})
		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
		if got.Name != "Anna" {
			t.Errorf("name = %q, want Anna", got.Name)
		}
	})

	t.Run("load failure returns zero context", func(t *testing.T) {
		mg := NewMemoryGuard(&memorymock.Store{LoadCustomerErr: errors.New("db down")})

		got, err := mg.LoadCustomer(context.Background(), scope)
		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
		if !got.IsEmpty() {
			t.Errorf("expected empty context, got %+v", got)
		}
	})

	t.Run("clear delegates", func(t *testing.T) {
		store := &memorymock.Store{}
		mg := NewMemoryGuard(store)
		ctx := context.Background()

		_, _ = mg.MergeCustomer(ctx, scope, memory.CustomerContext{Email: "a@b.c"})
		_ = mg.ClearCustomer(ctx, scope)
		got, _ := mg.LoadCustomer(ctx, scope)
		if !got.IsEmpty() {
			t.Errorf("expected cleared context, got %+v", got)
		}
		if store.CallCount("ClearCustomer") != 1 {
			t.Errorf("ClearCustomer calls = %d, want 1", store.CallCount("ClearCustomer"))
		}
	})
}
