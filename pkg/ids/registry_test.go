package ids

import (
	"fmt"
	"sync"
	"testing"
)

func TestRegistry_CreateIsIdempotent(t *testing.T) {
	reg := New()

	first := reg.Create(CategoryPerson, "berlin_0001")
	again := reg.Create(CategoryPerson, "berlin_0001")
	other := reg.Create(CategoryPerson, "berlin_0002")

	if first != again {
		t.Errorf("Create twice = %v and %v, want same ID", first, again)
	}
	if first == other {
		t.Errorf("different strings share ID %v", first)
	}
	if first.Handle() != 0 || other.Handle() != 1 {
		t.Errorf("handles = %d, %d, want dense 0, 1", first.Handle(), other.Handle())
	}
	if got := reg.External(other); got != "berlin_0002" {
		t.Errorf("External = %q, want %q", got, "berlin_0002")
	}
}

func TestRegistry_CategoriesAreSeparate(t *testing.T) {
	reg := New()

	person := reg.Create(CategoryPerson, "walk")
	mode := reg.Create(CategoryString, "walk")

	if person == mode {
		t.Error("same string in two categories must yield distinct IDs")
	}
	if person.Handle() != mode.Handle() {
		t.Error("each category starts its own handle space at zero")
	}
	if reg.Len(CategoryPerson) != 1 || reg.Len(CategoryString) != 1 || reg.Len(CategoryLink) != 0 {
		t.Errorf("Len = %d/%d/%d", reg.Len(CategoryPerson), reg.Len(CategoryString), reg.Len(CategoryLink))
	}
}

func TestRegistry_Resolve(t *testing.T) {
	reg := New()
	link := reg.Create(CategoryLink, "1a")

	got, err := reg.Resolve(CategoryLink, 0)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != link {
		t.Errorf("Resolve = %v, want %v", got, link)
	}

	if _, err := reg.Resolve(CategoryLink, 1); err == nil {
		t.Error("Resolve of unallocated handle should fail")
	}
	if _, err := reg.Resolve(CategoryVehicle, 0); err == nil {
		t.Error("Resolve in empty category should fail")
	}
}

func TestRegistry_ForeignIDsDoNotResolve(t *testing.T) {
	a := New()
	b := New()
	id := a.Create(CategoryPerson, "only-in-a")

	if _, ok := b.Lookup(id); ok {
		t.Error("ID from another registry should not resolve")
	}
	if b.External(ID{}) != "" {
		t.Error("zero ID should have no external string")
	}
	if (ID{}).IsValid() {
		t.Error("zero ID should be invalid")
	}
}

func TestRegistry_ConcurrentCreate(t *testing.T) {
	reg := New()

	var wg sync.WaitGroup
	results := make([][]ID, 8)
	for w := range results {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				results[w] = append(results[w], reg.Create(CategoryVehicle, fmt.Sprintf("veh-%d", i)))
			}
		}(w)
	}
	wg.Wait()

	if reg.Len(CategoryVehicle) != 100 {
		t.Fatalf("Len = %d, want 100", reg.Len(CategoryVehicle))
	}
	for w := 1; w < len(results); w++ {
		for i := range results[w] {
			if results[w][i] != results[0][i] {
				t.Fatalf("worker %d got %v for veh-%d, worker 0 got %v", w, results[w][i], i, results[0][i])
			}
		}
	}
}

func TestCategory_String(t *testing.T) {
	tests := []struct {
		category Category
		expected string
	}{
		{CategoryPerson, "person"},
		{CategoryVehicleType, "vehicle_type"},
		{Category(42), "category(42)"},
	}

	for _, tt := range tests {
		if got := tt.category.String(); got != tt.expected {
			t.Errorf("Category(%d).String() = %q, want %q", uint64(tt.category), got, tt.expected)
		}
	}
}
