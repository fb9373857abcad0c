// Copyright 2024-2026 Aiku AI

package usermap

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
)

func TestGetInstanceReturnsSameMap(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(WithStorage(newMemStorage()))
	ctx := context.Background()

	a, err := reg.GetInstance(ctx, "a.json")
	if err != nil {
		t.Fatal(err)
	}
	again, err := reg.GetInstance(ctx, "a.json")
	if err != nil {
		t.Fatal(err)
	}
	b, err := reg.GetInstance(ctx, "b.json")
	if err != nil {
		t.Fatal(err)
	}

	if a != again {
		t.Error("same filename should return the same map")
	}
	if a == b {
		t.Error("different filenames should return different maps")
	}
	names := reg.Filenames()
	slices.Sort(names)
	if want := []string{"a.json", "b.json"}; !slices.Equal(names, want) {
		t.Errorf("Filenames: got %v, want %v", names, want)
	}
}

func TestGetInstanceConcurrentLoadsOnce(t *testing.T) {
	t.Parallel()
	storage := newMemStorage()
	reg := NewRegistry(WithStorage(storage))

	const n = 20
	got := make([]*Map, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := reg.GetInstance(context.Background(), "users.json")
			if err != nil {
				t.Error(err)
			}
			got[i] = m
		}()
	}
	wg.Wait()

	for i, m := range got {
		if m != got[0] {
			t.Errorf("caller %d got a different map", i)
		}
	}
	storage.mu.Lock()
	defer storage.mu.Unlock()
	if storage.exists != 1 {
		t.Errorf("loads: got %d, want 1", storage.exists)
	}
}

func TestGetInstanceLoadErrorIsNotCached(t *testing.T) {
	t.Parallel()
	storage := newMemStorage()
	storage.put("users.json", `{"1": "alice"}`)
	storage.setReadErr(errFakeIO)
	reg := NewRegistry(WithStorage(storage))

	_, err := reg.GetInstance(context.Background(), "users.json")
	if !errors.Is(err, errFakeIO) {
		t.Fatalf("GetInstance: got %v, want errFakeIO", err)
	}
	if !strings.Contains(err.Error(), `failed to load user map "users.json"`) {
		t.Errorf("error: got %q", err)
	}
	if names := reg.Filenames(); len(names) != 0 {
		t.Errorf("Filenames: got %v, want none", names)
	}

	storage.setReadErr(nil)
	m, err := reg.GetInstance(context.Background(), "users.json")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if m.Len() != 1 {
		t.Errorf("Len: got %d, want 1", m.Len())
	}
}

func TestRegistryFlush(t *testing.T) {
	t.Parallel()
	storage := newMemStorage()
	reg := NewRegistry(WithStorage(storage))
	ctx := context.Background()
	a, err := reg.GetInstance(ctx, "a.json")
	if err != nil {
		t.Fatal(err)
	}
	b, err := reg.GetInstance(ctx, "b.json")
	if err != nil {
		t.Fatal(err)
	}
	if err := a.SetByName("alice", "1"); err != nil {
		t.Fatal(err)
	}
	if err := b.SetByName("bob", "2"); err != nil {
		t.Fatal(err)
	}

	if err := reg.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if !strings.Contains(storage.get("a.json"), "alice") || !strings.Contains(storage.get("b.json"), "bob") {
		t.Errorf("files: a=%q b=%q", storage.get("a.json"), storage.get("b.json"))
	}

	storage.setFailing(true)
	err = reg.Flush(ctx)
	if !errors.Is(err, errFakeIO) {
		t.Fatalf("Flush: got %v, want errFakeIO", err)
	}
	for _, name := range []string{`"a.json"`, `"b.json"`} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error should name %s: %q", name, err)
		}
	}
}

func TestDefaultRegistry(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "users.json")

	a, err := GetInstance(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	b, err := GetInstance(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("default registry should return the same map")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("file not created: %v", err)
	}
}
