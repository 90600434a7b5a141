package grpcserver

import (
	"context"
	"testing"

	"github.com/gofrs/uuid/v5"
)

func TestWithOperatorID_And_OperatorIDFromCtx(t *testing.T) {
	t.Parallel()

	if id, ok := OperatorIDFromCtx(context.Background()); ok || id != uuid.Nil {
		t.Fatalf("expected no operator id in empty ctx")
	}

	want := uuid.Must(uuid.NewV4())
	got, ok := OperatorIDFromCtx(WithOperatorID(context.Background(), want))
	if !ok || got != want {
		t.Fatalf("mismatch: got %s (%v), want %s", got, ok, want)
	}

	bad := context.WithValue(context.Background(), operatorIDKey, "not-uuid")
	if id, ok := OperatorIDFromCtx(bad); ok || id != uuid.Nil {
		t.Fatalf("expected miss on wrong typed value")
	}
}
