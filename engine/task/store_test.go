package task

import (
	"errors"
	"testing"
)

func TestMemoryStore_CreateAndGet(t *testing.T) {
	s := NewMemoryStore()
	item := &Item{ID: "t1", OwnerID: "alice", Type: "noop", State: Queued, Weight: 1}
	if err := s.Put(item); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get("t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.OwnerID != "alice" {
		t.Errorf("OwnerID = %q, want alice", got.OwnerID)
	}

	// The returned item must be a copy — mutating it must not affect storage.
	got.OwnerID = "mallory"
	again, _ := s.Get("t1")
	if again.OwnerID != "alice" {
		t.Errorf("Get returned a shared pointer: OwnerID = %q, want alice", again.OwnerID)
	}
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing: err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_ChildrenAndDescendants(t *testing.T) {
	s := NewMemoryStore()
	root := &Item{ID: "root", State: Queued, Weight: 1}
	childA := &Item{ID: "a", ParentTaskID: "root", State: Queued, Weight: 1}
	childB := &Item{ID: "b", ParentTaskID: "root", State: Queued, Weight: 1}
	grandchild := &Item{ID: "a1", ParentTaskID: "a", State: Queued, Weight: 1}
	for _, it := range []*Item{root, childA, childB, grandchild} {
		if err := s.Put(it); err != nil {
			t.Fatalf("Put %s: %v", it.ID, err)
		}
	}

	kids, err := s.GetChildren("root")
	if err != nil {
		t.Fatalf("GetChildren: %v", err)
	}
	if len(kids) != 2 {
		t.Fatalf("GetChildren(root) = %d items, want 2", len(kids))
	}

	n, err := s.ChildCount("root")
	if err != nil {
		t.Fatalf("ChildCount: %v", err)
	}
	if n != 2 {
		t.Errorf("ChildCount(root) = %d, want 2", n)
	}

	desc, err := s.GetDescendants("root")
	if err != nil {
		t.Fatalf("GetDescendants: %v", err)
	}
	if len(desc) != 3 {
		t.Fatalf("GetDescendants(root) = %d items, want 3", len(desc))
	}
}

func TestMemoryStore_DeleteSubtree(t *testing.T) {
	s := NewMemoryStore()
	root := &Item{ID: "root", State: Queued, Weight: 1}
	childA := &Item{ID: "a", ParentTaskID: "root", State: Queued, Weight: 1}
	grandchild := &Item{ID: "a1", ParentTaskID: "a", State: Queued, Weight: 1}
	sibling := &Item{ID: "other", State: Queued, Weight: 1}
	for _, it := range []*Item{root, childA, grandchild, sibling} {
		if err := s.Put(it); err != nil {
			t.Fatalf("Put %s: %v", it.ID, err)
		}
	}

	if err := s.DeleteSubtree("root"); err != nil {
		t.Fatalf("DeleteSubtree: %v", err)
	}

	for _, id := range []string{"root", "a", "a1"} {
		if _, err := s.Get(id); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get(%s) after DeleteSubtree: err = %v, want ErrNotFound", id, err)
		}
	}
	if _, err := s.Get("other"); err != nil {
		t.Errorf("Get(other) after DeleteSubtree: %v, want no error", err)
	}
}

func TestMemoryStore_AddBatchAtomic(t *testing.T) {
	s := NewMemoryStore()
	items := []*Item{
		{ID: "r", State: Queued, Weight: 1},
		{ID: "c1", ParentTaskID: "r", State: Queued, Weight: 1},
		{ID: "", ParentTaskID: "r", State: Queued, Weight: 1}, // invalid: missing ID
	}
	if err := s.AddBatch(items); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("AddBatch with invalid item: err = %v, want ErrInvalidRequest", err)
	}
	if _, err := s.Get("r"); !errors.Is(err, ErrNotFound) {
		t.Errorf("partial batch was applied: Get(r) err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_DeleteNotFound(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Delete("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete missing: err = %v, want ErrNotFound", err)
	}
}
