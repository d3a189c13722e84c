package requestid

import (
	"context"
	"testing"
)

func TestFromContext(t *testing.T) {
	if got := FromContext(context.Background()); got != "" {
		t.Errorf("expected empty id, got %q", got)
	}
	if got := FromContext(NewContext(context.Background(), "abc-123")); got != "abc-123" {
		t.Errorf("expected abc-123, got %q", got)
	}
}
