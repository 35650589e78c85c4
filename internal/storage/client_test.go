package storage

import (
	"errors"
	"testing"
)

func TestNewClientRequiresBucket(t *testing.T) {
	if _, err := NewClient(Config{Endpoint: "localhost:9000"}); err == nil {
		t.Fatal("expected error for missing bucket")
	}

	c, err := NewClient(Config{Endpoint: "localhost:9000", Access: "a", Secret: "b", Bucket: "jbig"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if c.Bucket() != "jbig" {
		t.Fatalf("unexpected bucket %s", c.Bucket())
	}
}

func TestCheckLimit(t *testing.T) {
	if err := checkLimit("page.jbg", 10, 0); err != nil {
		t.Fatalf("zero limit should be unbounded: %v", err)
	}
	if err := checkLimit("page.jbg", 10, 10); err != nil {
		t.Fatalf("size at limit should pass: %v", err)
	}
	if err := checkLimit("page.jbg", 11, 10); !errors.Is(err, ErrObjectTooLarge) {
		t.Fatalf("expected ErrObjectTooLarge, got %v", err)
	}
}
