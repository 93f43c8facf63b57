package catalog

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jordanhubbard/modelmux/internal/fault"
)

func validProvider(id string) Provider {
	return Provider{
		ID:           id,
		Name:         "Provider " + id,
		Capabilities: []Capability{CapStreaming, CapCodeGeneration},
		Models: []Model{
			{ID: id + "-base", ProviderID: id, ContextTokens: 8192, QualityPrior: 0.7},
		},
		Endpoints: []Endpoint{{ID: "ep1", URL: "http://127.0.0.1:9000/v1/invoke"}},
		CostPer1K: 0.5,
		Enabled:   true,
	}
}

func TestUpsertAndGet(t *testing.T) {
	c := New()
	if err := c.Upsert(validProvider("alpha")); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}

	p, err := c.Get("alpha")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if p.Name != "Provider alpha" {
		t.Errorf("Name = %q", p.Name)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestGetUnknown(t *testing.T) {
	c := New()
	_, err := c.Get("missing")
	if fault.KindOf(err) != fault.KindUnknownProvider {
		t.Fatalf("kind = %s, want unknown_provider", fault.KindOf(err))
	}
}

func TestUpsertReplaces(t *testing.T) {
	c := New()
	p := validProvider("alpha")
	if err := c.Upsert(p); err != nil {
		t.Fatal(err)
	}
	p.Name = "Renamed"
	if err := c.Upsert(p); err != nil {
		t.Fatal(err)
	}

	got, _ := c.Get("alpha")
	if got.Name != "Renamed" {
		t.Errorf("Name = %q, want Renamed", got.Name)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestUpsertValidation(t *testing.T) {
	c := New()

	noID := validProvider("x")
	noID.ID = ""
	if err := c.Upsert(noID); fault.KindOf(err) != fault.KindInvalidRequest {
		t.Error("empty ID must be rejected")
	}

	noEndpoints := validProvider("x")
	noEndpoints.Endpoints = nil
	if err := c.Upsert(noEndpoints); fault.KindOf(err) != fault.KindInvalidRequest {
		t.Error("providers without endpoints must be rejected")
	}

	badCap := validProvider("x")
	badCap.Capabilities = []Capability{"telepathy"}
	if err := c.Upsert(badCap); fault.KindOf(err) != fault.KindInvalidRequest {
		t.Error("unknown capabilities must be rejected")
	}

	foreignModel := validProvider("x")
	foreignModel.Models[0].ProviderID = "someone-else"
	if err := c.Upsert(foreignModel); fault.KindOf(err) != fault.KindInvalidRequest {
		t.Error("models owned by another provider must be rejected")
	}

	if c.Len() != 0 {
		t.Errorf("rejected upserts must not mutate the catalog, Len = %d", c.Len())
	}
}

func TestRemove(t *testing.T) {
	c := New()
	_ = c.Upsert(validProvider("alpha"))
	c.Remove("alpha")
	if c.Len() != 0 {
		t.Errorf("Len = %d after Remove, want 0", c.Len())
	}

	// Removing an unknown ID is a no-op.
	c.Remove("never-there")
}

func TestListSorted(t *testing.T) {
	c := New()
	for _, id := range []string{"charlie", "alpha", "bravo"} {
		if err := c.Upsert(validProvider(id)); err != nil {
			t.Fatal(err)
		}
	}

	list := c.List()
	want := []string{"alpha", "bravo", "charlie"}
	if len(list) != len(want) {
		t.Fatalf("List returned %d providers, want %d", len(list), len(want))
	}
	for i, id := range want {
		if list[i].ID != id {
			t.Errorf("List[%d] = %s, want %s", i, list[i].ID, id)
		}
	}
}

func TestSnapshotIsolation(t *testing.T) {
	c := New()
	_ = c.Upsert(validProvider("alpha"))

	before := c.List()
	c.Remove("alpha")

	// The slice taken before the mutation still sees the old state.
	if len(before) != 1 || before[0].ID != "alpha" {
		t.Fatal("earlier snapshot must be unaffected by later mutations")
	}
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	c := New()
	_ = c.Upsert(validProvider("seed"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			for j := 0; j < 50; j++ {
				_ = c.Upsert(validProvider(id))
				c.Remove(id)
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = c.List()
				_, _ = c.Get("seed")
				_ = c.Len()
			}
		}()
	}
	wg.Wait()

	if _, err := c.Get("seed"); err != nil {
		t.Fatal("seed provider should survive concurrent churn")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.json")
	blob := `{"providers":[
		{"id":"local-llm","name":"Local","capabilities":["streaming","local"],
		 "models":[{"id":"llm-7b","provider_id":"local-llm","context_tokens":8192}],
		 "endpoints":[{"id":"ep1","url":"http://127.0.0.1:9000"}],
		 "enabled":true},
		{"id":"hosted","name":"Hosted","capabilities":["reasoning"],
		 "models":[{"id":"big-1","provider_id":"hosted"}],
		 "endpoints":[{"id":"ep1","url":"http://127.0.0.1:9001"}],
		 "cost_per_1k":2.0,"enabled":true}
	]}`
	if err := os.WriteFile(path, []byte(blob), 0o644); err != nil {
		t.Fatal(err)
	}

	c := New()
	if err := c.LoadFile(path); err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}
	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
}

func TestLoadFileInvalidEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.json")
	blob := `{"providers":[{"id":"broken","endpoints":[]}]}`
	if err := os.WriteFile(path, []byte(blob), 0o644); err != nil {
		t.Fatal(err)
	}

	c := New()
	if err := c.LoadFile(path); err == nil {
		t.Fatal("expected error for a provider without endpoints")
	}
}

func TestLoadFileMissing(t *testing.T) {
	c := New()
	if err := c.LoadFile("/nonexistent/catalog.json"); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestCapabilitySetOperations(t *testing.T) {
	s := NewCapabilitySet(CapStreaming, CapVision)
	if !s.Has(CapStreaming) || s.Has(CapAudio) {
		t.Fatal("membership broken")
	}
	other := NewCapabilitySet(CapVision, CapAudio, CapFast)
	if got := s.Intersection(other); got != 1 {
		t.Fatalf("Intersection = %d, want 1", got)
	}

	clone := s.Clone()
	clone[CapAudio] = true
	if s.Has(CapAudio) {
		t.Fatal("Clone must be independent")
	}
}

func TestDefaultModel(t *testing.T) {
	p := validProvider("alpha")
	if got := p.DefaultModel(); got != "alpha-base" {
		t.Fatalf("DefaultModel = %q", got)
	}
	p.Models = nil
	if p.DefaultModel() != "" {
		t.Fatal("no models means empty default")
	}
}
