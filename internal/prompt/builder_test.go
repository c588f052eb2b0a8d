package prompt

import (
	"context"
	"errors"
	"testing"

	"github.com/tbourn/go-gemini-relay/internal/domain"
	"github.com/tbourn/go-gemini-relay/internal/gemini"
)

type fakeHistory struct {
	rows []domain.Message
	err  error

	gotLimit int
}

func (f *fakeHistory) GetHistory(_ context.Context, _ int64, _ *int64, limit int, _ bool) ([]domain.Message, error) {
	f.gotLimit = limit
	return f.rows, f.err
}

type fakePersona struct {
	persona *string
	err     error
}

func (f *fakePersona) GetPersona(context.Context, int64) (*string, error) {
	return f.persona, f.err
}

func sp(s string) *string { return &s }

func TestBuild_FreshConversationSkipsHistory(t *testing.T) {
	hist := &fakeHistory{rows: []domain.Message{{Role: domain.RoleUser, Content: "old"}}}
	b := NewBuilder(hist, &fakePersona{persona: sp("persona")}, 10)

	got, err := b.Build(context.Background(), 1, 2, "hello", false)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected bare prompt, got %d turns", len(got))
	}
	if got[0].Role != gemini.RoleUser || got[0].Text != "hello" {
		t.Fatalf("unexpected turn: %+v", got[0])
	}
	if hist.gotLimit != 0 {
		t.Fatalf("history must not be read when context is off")
	}
}

func TestBuild_MapsAssistantToModelRole(t *testing.T) {
	hist := &fakeHistory{rows: []domain.Message{
		{Role: domain.RoleUser, Content: "q1"},
		{Role: domain.RoleAssistant, Content: "a1"},
	}}
	b := NewBuilder(hist, &fakePersona{}, 10)

	got, err := b.Build(context.Background(), 1, 2, "q2", true)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(got))
	}
	if got[0].Role != gemini.RoleUser || got[1].Role != gemini.RoleModel {
		t.Fatalf("unexpected role mapping: %+v", got[:2])
	}
	if got[2].Role != gemini.RoleUser || got[2].Text != "q2" {
		t.Fatalf("unexpected final turn: %+v", got[2])
	}
}

func TestBuild_FetchesTwiceTheContextLength(t *testing.T) {
	hist := &fakeHistory{}
	b := NewBuilder(hist, &fakePersona{}, 7)

	if _, err := b.Build(context.Background(), 1, 2, "x", true); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if hist.gotLimit != 14 {
		t.Fatalf("expected row limit 14, got %d", hist.gotLimit)
	}
}

func TestBuild_PersonaOnlyOnFirstTurn(t *testing.T) {
	persona := &fakePersona{persona: sp("Answer like a pirate.")}

	// Empty history: persona is prepended to the message.
	b := NewBuilder(&fakeHistory{}, persona, 10)
	got, err := b.Build(context.Background(), 1, 2, "ahoy", true)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(got) != 1 || got[0].Text != "Answer like a pirate.\n\nahoy" {
		t.Fatalf("expected persona-prefixed prompt, got %+v", got)
	}

	// With history: the message goes out untouched.
	b = NewBuilder(&fakeHistory{rows: []domain.Message{{Role: domain.RoleUser, Content: "q"}}}, persona, 10)
	got, err = b.Build(context.Background(), 1, 2, "ahoy", true)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got[len(got)-1].Text != "ahoy" {
		t.Fatalf("persona must not repeat once history exists: %q", got[len(got)-1].Text)
	}
}

func TestBuild_PersonaLookupFailureDegrades(t *testing.T) {
	b := NewBuilder(&fakeHistory{}, &fakePersona{err: errors.New("db down")}, 10)

	got, err := b.Build(context.Background(), 1, 2, "hi", true)
	if err != nil {
		t.Fatalf("persona failure must not abort the turn: %v", err)
	}
	if got[0].Text != "hi" {
		t.Fatalf("expected unprefixed prompt, got %q", got[0].Text)
	}
}

func TestBuild_HistoryErrorPropagates(t *testing.T) {
	b := NewBuilder(&fakeHistory{err: errors.New("locked")}, &fakePersona{}, 10)

	if _, err := b.Build(context.Background(), 1, 2, "hi", true); err == nil {
		t.Fatalf("expected history error to propagate")
	}
}
