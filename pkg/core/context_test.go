package core

import (
	"context"
	"strings"
	"testing"
)

func TestEnsureRunIDKeepsExisting(t *testing.T) {
	ctx := WithRunID(context.Background(), "run-fixed")
	ctx, id := EnsureRunID(ctx)
	if id != "run-fixed" {
		t.Fatalf("expected existing id, got %s", id)
	}
	if got, _ := RunID(ctx); got != "run-fixed" {
		t.Fatalf("unexpected id in context: %s", got)
	}
}

func TestEnsureRunIDGenerates(t *testing.T) {
	ctx, id := EnsureRunID(context.Background())
	if !strings.HasPrefix(id, "run-") {
		t.Fatalf("expected run- prefix, got %s", id)
	}
	if got, ok := RunID(ctx); !ok || got != id {
		t.Fatalf("expected generated id in context")
	}
	if _, other := EnsureRunID(context.Background()); other == id {
		t.Fatalf("expected unique ids")
	}
}
