package services

import (
	"context"
	"errors"
	"testing"

	"github.com/tbourn/go-gemini-relay/internal/domain"
)

func TestRecordTokenUsage_RejectsNegative(t *testing.T) {
	svc := NewTokenService(newServiceDB(t))

	_, err := svc.RecordTokenUsage(context.Background(), 2, 1, -1, domain.RoleUser, nil, nil)
	if !errors.Is(err, ErrNegativeTokens) {
		t.Fatalf("expected ErrNegativeTokens, got %v", err)
	}
}

func TestRecordTokenUsage_RejectsInvalidRole(t *testing.T) {
	svc := NewTokenService(newServiceDB(t))

	_, err := svc.RecordTokenUsage(context.Background(), 2, 1, 10, "system", nil, nil)
	if !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
}

func TestRecordTokenUsage_AcceptsZero(t *testing.T) {
	svc := NewTokenService(newServiceDB(t))

	id, err := svc.RecordTokenUsage(context.Background(), 2, 1, 0, domain.RoleAssistant, nil, nil)
	if err != nil {
		t.Fatalf("zero tokens must be accepted: %v", err)
	}
	if id <= 0 {
		t.Fatalf("expected positive ledger id, got %d", id)
	}
}

func TestUserStats_RoundTrip(t *testing.T) {
	svc := NewTokenService(newServiceDB(t))
	ctx := context.Background()

	iid := "itx-1"
	if _, err := svc.RecordTokenUsage(ctx, 2, 1, 10, domain.RoleUser, nil, &iid); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := svc.RecordTokenUsage(ctx, 2, 1, 25, domain.RoleAssistant, nil, &iid); err != nil {
		t.Fatalf("record: %v", err)
	}

	stats, err := svc.UserStats(ctx, 2)
	if err != nil {
		t.Fatalf("UserStats: %v", err)
	}
	if stats.TotalTokens != 35 || stats.PromptTokens != 10 || stats.ResponseTokens != 25 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	sum, err := svc.InteractionTokens(ctx, iid)
	if err != nil {
		t.Fatalf("InteractionTokens: %v", err)
	}
	if sum != 35 {
		t.Fatalf("expected interaction sum 35, got %d", sum)
	}
}
