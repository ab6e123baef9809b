package httpapi

import (
	"testing"
	"time"
)

func TestSetMaxBodyBytes_DefaultWhenNonPositive(t *testing.T) {
	defer SetMaxBodyBytes(0)
	SetMaxBodyBytes(-1)
	if maxBodyBytes != 1<<20 {
		t.Fatalf("expected default 1MiB, got %d", maxBodyBytes)
	}
	SetMaxBodyBytes(0)
	if maxBodyBytes != 1<<20 {
		t.Fatalf("expected default 1MiB on zero, got %d", maxBodyBytes)
	}
}

func TestSetMaxBodyBytes_PositiveSetsValue(t *testing.T) {
	defer SetMaxBodyBytes(0)
	SetMaxBodyBytes(1234)
	if maxBodyBytes != 1234 {
		t.Fatalf("expected 1234, got %d", maxBodyBytes)
	}
}

func TestSetCompletionTimeout_NormalizesNegativeToZero(t *testing.T) {
	defer SetCompletionTimeout(0)
	SetCompletionTimeout(-5 * time.Second)
	if completionTimeout != 0 {
		t.Fatalf("expected 0, got %v", completionTimeout)
	}
	SetCompletionTimeout(3 * time.Second)
	if completionTimeout != 3*time.Second {
		t.Fatalf("expected 3s, got %v", completionTimeout)
	}
}
