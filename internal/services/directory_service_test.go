package services

import (
	"context"
	"errors"
	"testing"
)

func sp(s string) *string { return &s }

func TestUpsertChat_NilPersonaPreservesExisting(t *testing.T) {
	svc := NewDirectoryService(newServiceDB(t))
	ctx := context.Background()

	if err := svc.UpsertChat(ctx, 9, "private", nil, nil, sp("stay helpful")); err != nil {
		t.Fatalf("upsert with persona: %v", err)
	}
	// Metadata refresh without a persona must not erase it.
	if err := svc.UpsertChat(ctx, 9, "private", sp("title"), nil, nil); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	p, err := svc.GetPersona(ctx, 9)
	if err != nil {
		t.Fatalf("GetPersona: %v", err)
	}
	if p == nil || *p != "stay helpful" {
		t.Fatalf("persona not preserved: %v", p)
	}
}

func TestSetPersona_UnknownChatMapsToSentinel(t *testing.T) {
	svc := NewDirectoryService(newServiceDB(t))

	err := svc.SetPersona(context.Background(), 404, "x")
	if !errors.Is(err, ErrChatNotFound) {
		t.Fatalf("expected ErrChatNotFound, got %v", err)
	}
}

func TestGetPersona_UnsetIsNil(t *testing.T) {
	svc := NewDirectoryService(newServiceDB(t))
	ctx := context.Background()

	if err := svc.UpsertChat(ctx, 9, "group", nil, nil, nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	p, err := svc.GetPersona(ctx, 9)
	if err != nil {
		t.Fatalf("GetPersona: %v", err)
	}
	if p != nil {
		t.Fatalf("expected nil persona, got %v", p)
	}
}

func TestUpsertUser_RoundTrip(t *testing.T) {
	svc := NewDirectoryService(newServiceDB(t))
	ctx := context.Background()

	if err := svc.UpsertUser(ctx, 77, sp("carol"), sp("Carol"), nil); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	if err := svc.UpsertUser(ctx, 77, sp("carol2"), sp("Carol"), nil); err != nil {
		t.Fatalf("second UpsertUser: %v", err)
	}
}
