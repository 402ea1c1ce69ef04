package archive

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestMemoryArchive_PutGet(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryArchive()

	data := "{\"id\":1}\n"
	if err := a.Put(ctx, "changes/1.jsonl", strings.NewReader(data), int64(len(data))); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	var buf bytes.Buffer
	if err := a.Get(ctx, "changes/1.jsonl", &buf); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if buf.String() != data {
		t.Errorf("Get() = %q, want %q", buf.String(), data)
	}
}

func TestMemoryArchive_PutSizeMismatch(t *testing.T) {
	a := NewMemoryArchive()
	err := a.Put(context.Background(), "changes/1.jsonl", strings.NewReader("abc"), 10)
	if err == nil {
		t.Fatal("Put() expected size mismatch error")
	}

	keys, _ := a.List(context.Background(), "")
	if len(keys) != 0 {
		t.Errorf("object stored despite error: %v", keys)
	}
}

func TestMemoryArchive_GetMissing(t *testing.T) {
	a := NewMemoryArchive()
	err := a.Get(context.Background(), "changes/none.jsonl", &bytes.Buffer{})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestMemoryArchive_InvalidKey(t *testing.T) {
	a := NewMemoryArchive()
	for _, key := range []string{"", "/abs", "../up", "a/../../b", "a//b"} {
		if err := a.Put(context.Background(), key, strings.NewReader(""), 0); err == nil {
			t.Errorf("Put(%q) expected error", key)
		}
	}
}

func TestMemoryArchive_List(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryArchive()
	for _, key := range []string{"changes/2.jsonl", "other/x", "changes/1.jsonl.age"} {
		if err := a.Put(ctx, key, strings.NewReader("x"), 1); err != nil {
			t.Fatalf("Put(%q) error = %v", key, err)
		}
	}

	got, err := a.List(ctx, "changes/")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []string{"changes/1.jsonl.age", "changes/2.jsonl"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("List() = %v, want %v", got, want)
	}
}
