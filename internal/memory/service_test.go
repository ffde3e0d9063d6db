package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/kalambet/recall/internal/embedding"
	"github.com/kalambet/recall/internal/storage"
	"github.com/kalambet/recall/internal/vectorindex"
)

const testDim = 16

// mockEmbedder delegates to fn, falling back to a HashEmbedder.
type mockEmbedder struct {
	fn   func(ctx context.Context, text string) ([]float32, error)
	mu   sync.Mutex
	seen []string
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	m.seen = append(m.seen, text)
	m.mu.Unlock()
	if m.fn != nil {
		return m.fn(ctx, text)
	}
	return embedding.NewHashEmbedder(testDim).Embed(ctx, text)
}

// failingStore wraps a real store and fails appends on demand.
type failingStore struct {
	*storage.Store
	appendErr error
	hideID    int64 // GetMany leaves this id out
}

func (f *failingStore) GetMany(ctx context.Context, ids []int64) (map[int64]storage.Conversation, error) {
	m, err := f.Store.GetMany(ctx, ids)
	if err == nil && f.hideID != 0 {
		delete(m, f.hideID)
	}
	return m, err
}

func (f *failingStore) Append(ctx context.Context, prompt, response string, emb []float32) (int64, error) {
	if f.appendErr != nil {
		return 0, f.appendErr
	}
	return f.Store.Append(ctx, prompt, response, emb)
}

func (f *failingStore) AppendBatch(ctx context.Context, convs []storage.NewConversation) ([]int64, error) {
	if f.appendErr != nil {
		return nil, f.appendErr
	}
	return f.Store.AppendBatch(ctx, convs)
}

type fixture struct {
	store     *failingStore
	embedder  *mockEmbedder
	indexPath string
	dataDir   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.Open(filepath.Join(dir, "data"), testDim)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return &fixture{
		store:     &failingStore{Store: st},
		embedder:  &mockEmbedder{},
		indexPath: filepath.Join(dir, "memory.idx"),
		dataDir:   filepath.Join(dir, "data"),
	}
}

func (f *fixture) open(t *testing.T, kind vectorindex.Kind) *Service {
	t.Helper()
	svc, err := Open(context.Background(), f.store, f.embedder, Config{
		Dimension: testDim,
		IndexPath: f.indexPath,
		IndexKind: kind,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return svc
}

func mustRecord(t *testing.T, svc *Service, prompt, response string) int64 {
	t.Helper()
	id, err := svc.RecordAndIndex(context.Background(), prompt, response)
	if err != nil {
		t.Fatalf("RecordAndIndex(%q): %v", prompt, err)
	}
	return id
}

func queryIDs(t *testing.T, svc *Service, prompt string, k int) []int64 {
	t.Helper()
	mems, err := svc.RetrieveSimilar(context.Background(), prompt, k)
	if err != nil {
		t.Fatalf("RetrieveSimilar(%q): %v", prompt, err)
	}
	ids := make([]int64, len(mems))
	for i, m := range mems {
		ids[i] = m.ID
	}
	return ids
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRetrieveEmpty(t *testing.T) {
	f := newFixture(t)
	svc := f.open(t, vectorindex.KindFlat)

	mems, err := svc.RetrieveSimilar(context.Background(), "anything", 5)
	if err != nil {
		t.Fatalf("RetrieveSimilar: %v", err)
	}
	if len(mems) != 0 {
		t.Errorf("got %d memories from empty service, want 0", len(mems))
	}
}

func TestRecordAndRetrieve(t *testing.T) {
	for _, kind := range []vectorindex.Kind{vectorindex.KindFlat, vectorindex.KindVPTree} {
		t.Run(string(kind), func(t *testing.T) {
			f := newFixture(t)
			svc := f.open(t, kind)

			bread := mustRecord(t, svc, "how do I bake sourdough bread", "Feed your starter first.")
			mustRecord(t, svc, "kubernetes pod keeps restarting", "Check the liveness probe.")
			mustRecord(t, svc, "best hiking trails near Denver", "Try Mount Falcon.")

			mems, err := svc.RetrieveSimilar(context.Background(), "bake sourdough bread at home", 2)
			if err != nil {
				t.Fatalf("RetrieveSimilar: %v", err)
			}
			if len(mems) != 2 {
				t.Fatalf("got %d memories, want 2", len(mems))
			}
			if mems[0].ID != bread {
				t.Errorf("nearest id = %d, want %d", mems[0].ID, bread)
			}
			if mems[0].Response != "Feed your starter first." {
				t.Errorf("nearest response = %q, want stored text", mems[0].Response)
			}
			if mems[0].Distance > mems[1].Distance {
				t.Errorf("results not ordered: %v then %v", mems[0].Distance, mems[1].Distance)
			}
		})
	}
}

func TestRetrieveNonPositiveK(t *testing.T) {
	f := newFixture(t)
	svc := f.open(t, vectorindex.KindFlat)
	mustRecord(t, svc, "p", "r")

	mems, err := svc.RetrieveSimilar(context.Background(), "p", 0)
	if err != nil || len(mems) != 0 {
		t.Errorf("RetrieveSimilar(k=0) = %v, %v, want empty", mems, err)
	}
}

func TestEmbedPolicy(t *testing.T) {
	f := newFixture(t)
	svc, err := Open(context.Background(), f.store, f.embedder, Config{
		Dimension:   testDim,
		IndexPath:   f.indexPath,
		EmbedPolicy: PolicyPromptResponse,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	mustRecord(t, svc, "question", "answer")

	if got := f.embedder.seen[len(f.embedder.seen)-1]; got != "question\nanswer" {
		t.Errorf("embedded text = %q, want %q", got, "question\nanswer")
	}
}

func TestProviderFailureLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	svc := f.open(t, vectorindex.KindFlat)
	mustRecord(t, svc, "first", "ok")
	before := svc.Index().Generation()

	f.embedder.fn = func(context.Context, string) ([]float32, error) {
		return nil, errors.New("connection refused")
	}
	_, err := svc.RecordAndIndex(context.Background(), "second", "lost")
	if !errors.Is(err, ErrProvider) {
		t.Fatalf("error = %v, want ErrProvider", err)
	}

	n, _, _ := f.store.Count(context.Background())
	if n != 1 {
		t.Errorf("store count = %d, want 1", n)
	}
	if svc.Index().Generation() != before {
		t.Error("index generation changed after provider failure")
	}

	if _, err := svc.RetrieveSimilar(context.Background(), "first", 1); !errors.Is(err, ErrProvider) {
		t.Errorf("RetrieveSimilar error = %v, want ErrProvider", err)
	}
}

func TestNonFiniteEmbeddingRejected(t *testing.T) {
	f := newFixture(t)
	svc := f.open(t, vectorindex.KindFlat)
	mustRecord(t, svc, "first", "ok")

	f.embedder.fn = func(context.Context, string) ([]float32, error) {
		v := make([]float32, testDim)
		v[3] = float32(math.NaN())
		return v, nil
	}
	if _, err := svc.RecordAndIndex(context.Background(), "second", "nan"); !errors.Is(err, ErrProvider) {
		t.Fatalf("RecordAndIndex error = %v, want ErrProvider", err)
	}
	if _, err := svc.RetrieveSimilar(context.Background(), "q", 1); !errors.Is(err, ErrProvider) {
		t.Errorf("RetrieveSimilar error = %v, want ErrProvider", err)
	}
	if n, _, _ := f.store.Count(context.Background()); n != 1 {
		t.Errorf("store count = %d, want 1", n)
	}
	if svc.Index().Len() != 1 {
		t.Errorf("index len = %d, want 1", svc.Index().Len())
	}
}

func TestRetrieveMissingRecord(t *testing.T) {
	f := newFixture(t)
	svc := f.open(t, vectorindex.KindFlat)
	mustRecord(t, svc, "alpha", "a")
	id := mustRecord(t, svc, "beta", "b")

	f.store.hideID = id
	_, err := svc.RetrieveSimilar(context.Background(), "beta", 2)
	if !errors.Is(err, ErrRecordMissing) {
		t.Fatalf("RetrieveSimilar error = %v, want ErrRecordMissing", err)
	}
	if !svc.Stale() {
		t.Error("Stale() = false after a missing record, want true")
	}
}

func TestDimensionMismatch(t *testing.T) {
	f := newFixture(t)
	svc := f.open(t, vectorindex.KindFlat)
	mustRecord(t, svc, "first", "ok")
	before := svc.Index().Generation()

	f.embedder.fn = func(context.Context, string) ([]float32, error) {
		return make([]float32, testDim+1), nil
	}
	_, err := svc.RecordAndIndex(context.Background(), "second", "bad")
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("error = %v, want ErrDimensionMismatch", err)
	}
	var de *DimensionError
	if !errors.As(err, &de) || de.Got != testDim+1 || de.Want != testDim {
		t.Errorf("DimensionError = %+v, want Got=%d Want=%d", de, testDim+1, testDim)
	}

	n, _, _ := f.store.Count(context.Background())
	if n != 1 {
		t.Errorf("store count = %d, want 1", n)
	}
	if svc.Index().Generation() != before || svc.Index().Len() != 1 {
		t.Error("index changed after dimension mismatch")
	}

	if _, err := svc.RetrieveSimilar(context.Background(), "q", 3); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("RetrieveSimilar error = %v, want ErrDimensionMismatch", err)
	}
}

func TestStoreWriteFailure(t *testing.T) {
	f := newFixture(t)
	svc := f.open(t, vectorindex.KindFlat)

	f.store.appendErr = errors.New("disk full")
	_, err := svc.RecordAndIndex(context.Background(), "p", "r")
	if !errors.Is(err, ErrStoreWrite) {
		t.Fatalf("error = %v, want ErrStoreWrite", err)
	}
	if svc.Index().Len() != 0 {
		t.Errorf("index len = %d after failed append, want 0", svc.Index().Len())
	}
}

func TestPersistFailureMarksStale(t *testing.T) {
	f := newFixture(t)
	svc := f.open(t, vectorindex.KindFlat)
	mustRecord(t, svc, "alpha", "one")

	svc.save = func(string, vectorindex.Index) error { return errors.New("read-only filesystem") }
	id, err := svc.RecordAndIndex(context.Background(), "beta", "two")
	if !errors.Is(err, ErrIndexRebuild) {
		t.Fatalf("error = %v, want ErrIndexRebuild", err)
	}
	if id == 0 {
		t.Fatal("id not returned with ErrIndexRebuild")
	}
	if !svc.Stale() {
		t.Error("Stale() = false after failed persist")
	}

	// Durable but not yet searchable.
	recs, _ := f.store.GetMany(context.Background(), []int64{id})
	if recs[id].Prompt != "beta" {
		t.Errorf("record %d not durable", id)
	}
	if svc.Index().Len() != 1 {
		t.Errorf("index len = %d, want 1 (unpublished)", svc.Index().Len())
	}

	// Next successful write rebuilds from the store and includes both.
	svc.save = vectorindex.Save
	mustRecord(t, svc, "gamma", "three")
	if svc.Stale() {
		t.Error("Stale() = true after successful write")
	}
	if svc.Index().Len() != 3 {
		t.Errorf("index len = %d, want 3", svc.Index().Len())
	}
	if ids := queryIDs(t, svc, "beta", 1); len(ids) != 1 || ids[0] != id {
		t.Errorf("query beta = %v, want [%d]", ids, id)
	}
}

func TestRepair(t *testing.T) {
	f := newFixture(t)
	svc := f.open(t, vectorindex.KindFlat)
	mustRecord(t, svc, "alpha", "one")

	svc.save = func(string, vectorindex.Index) error { return errors.New("boom") }
	svc.RecordAndIndex(context.Background(), "beta", "two")

	if _, err := svc.Repair(context.Background()); !errors.Is(err, ErrIndexRebuild) {
		t.Fatalf("Repair with failing save error = %v, want ErrIndexRebuild", err)
	}
	svc.save = vectorindex.Save

	stats, err := svc.Repair(context.Background())
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if stats.Stale || stats.IndexEntries != 2 || stats.Records != 2 {
		t.Errorf("stats after repair = %+v", stats)
	}
}

func TestRecoveryIsIdempotent(t *testing.T) {
	for _, kind := range []vectorindex.Kind{vectorindex.KindFlat, vectorindex.KindVPTree} {
		t.Run(string(kind), func(t *testing.T) {
			f := newFixture(t)
			svc := f.open(t, kind)
			prompts := []string{"red apples", "green apples", "blue ocean", "deep blue sea", "apple pie recipe"}
			for _, p := range prompts {
				mustRecord(t, svc, p, "r")
			}
			want := make(map[string][]int64)
			for _, p := range prompts {
				want[p] = queryIDs(t, svc, p, 3)
			}
			gen := svc.Index().Generation()

			// Reopen with the file intact: same generation.
			reopened := f.open(t, kind)
			if reopened.Index().Generation() != gen {
				t.Errorf("reopen generation = %s, want %s", reopened.Index().Generation(), gen)
			}

			// Delete the file: rebuilt with identical answers.
			if err := os.Remove(f.indexPath); err != nil {
				t.Fatalf("removing index: %v", err)
			}
			rebuilt := f.open(t, kind)
			for _, p := range prompts {
				if got := queryIDs(t, rebuilt, p, 3); !equalIDs(got, want[p]) {
					t.Errorf("after rebuild query %q = %v, want %v", p, got, want[p])
				}
			}
			if _, err := os.Stat(f.indexPath); err != nil {
				t.Errorf("rebuilt index not persisted: %v", err)
			}
		})
	}
}

func TestRecoveryFromCorruptFile(t *testing.T) {
	f := newFixture(t)
	svc := f.open(t, vectorindex.KindFlat)
	id := mustRecord(t, svc, "remember me", "ok")

	if err := os.WriteFile(f.indexPath, []byte{0xc1, 0x00, 0x13}, 0o644); err != nil {
		t.Fatal(err)
	}
	rebuilt := f.open(t, vectorindex.KindFlat)
	if ids := queryIDs(t, rebuilt, "remember me", 1); len(ids) != 1 || ids[0] != id {
		t.Errorf("query after corrupt recovery = %v, want [%d]", ids, id)
	}
}

func TestRecoveryWhenStoreIsAhead(t *testing.T) {
	f := newFixture(t)
	svc := f.open(t, vectorindex.KindFlat)
	mustRecord(t, svc, "indexed", "ok")

	// A record that reached the store but never the index file.
	vec, _ := embedding.NewHashEmbedder(testDim).Embed(context.Background(), "orphan")
	orphan, err := f.store.Append(context.Background(), "orphan", "ok", vec)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	rebuilt := f.open(t, vectorindex.KindFlat)
	if rebuilt.Index().Len() != 2 {
		t.Fatalf("rebuilt index len = %d, want 2", rebuilt.Index().Len())
	}
	if ids := queryIDs(t, rebuilt, "orphan", 1); len(ids) != 1 || ids[0] != orphan {
		t.Errorf("query orphan = %v, want [%d]", ids, orphan)
	}
}

func TestRecoveryKindChange(t *testing.T) {
	f := newFixture(t)
	svc := f.open(t, vectorindex.KindFlat)
	mustRecord(t, svc, "one", "r")
	mustRecord(t, svc, "two", "r")

	tree := f.open(t, vectorindex.KindVPTree)
	if tree.Index().Kind() != vectorindex.KindVPTree || tree.Index().Len() != 2 {
		t.Errorf("index after kind change = %s with %d entries", tree.Index().Kind(), tree.Index().Len())
	}
}

func TestOpenDimensionDisagreement(t *testing.T) {
	f := newFixture(t)
	_, err := Open(context.Background(), f.store, f.embedder, Config{Dimension: testDim * 2, IndexPath: f.indexPath})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Open error = %v, want ErrDimensionMismatch", err)
	}
}

func TestRecordBatch(t *testing.T) {
	f := newFixture(t)
	svc := f.open(t, vectorindex.KindFlat)

	ids, err := svc.RecordBatch(context.Background(), []Pair{
		{Prompt: "batch one", Response: "1"},
		{Prompt: "batch two", Response: "2"},
		{Prompt: "batch three", Response: "3"},
	})
	if err != nil {
		t.Fatalf("RecordBatch: %v", err)
	}
	if len(ids) != 3 || svc.Index().Len() != 3 {
		t.Fatalf("ids=%v index len=%d, want 3 and 3", ids, svc.Index().Len())
	}
	if got := queryIDs(t, svc, "batch two", 1); got[0] != ids[1] {
		t.Errorf("query batch two = %v, want [%d]", got, ids[1])
	}

	f.embedder.fn = func(_ context.Context, text string) ([]float32, error) {
		if text == "bad" {
			return nil, errors.New("provider down")
		}
		return embedding.NewHashEmbedder(testDim).Embed(context.Background(), text)
	}
	_, err = svc.RecordBatch(context.Background(), []Pair{{Prompt: "good"}, {Prompt: "bad"}})
	if !errors.Is(err, ErrProvider) {
		t.Fatalf("RecordBatch error = %v, want ErrProvider", err)
	}
	if n, _, _ := f.store.Count(context.Background()); n != 3 {
		t.Errorf("store count = %d after failed batch, want 3", n)
	}
}

// batchEmbedder answers EmbedBatch with fn and counts the calls.
type batchEmbedder struct {
	*embedding.HashEmbedder
	fn    func(texts []string) ([][]float32, error)
	calls int
}

func (b *batchEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	b.calls++
	if b.fn != nil {
		return b.fn(texts)
	}
	return b.HashEmbedder.EmbedBatch(ctx, texts)
}

func TestRecordBatch_BatchEmbedder(t *testing.T) {
	f := newFixture(t)
	be := &batchEmbedder{HashEmbedder: embedding.NewHashEmbedder(testDim)}
	svc, err := Open(context.Background(), f.store, be, Config{
		Dimension: testDim,
		IndexPath: f.indexPath,
		IndexKind: vectorindex.KindFlat,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ids, err := svc.RecordBatch(context.Background(), []Pair{{Prompt: "alpha"}, {Prompt: "beta"}})
	if err != nil {
		t.Fatalf("RecordBatch: %v", err)
	}
	if be.calls != 1 || len(ids) != 2 {
		t.Fatalf("calls=%d ids=%v, want one batch call and two ids", be.calls, ids)
	}

	be.fn = func(texts []string) ([][]float32, error) {
		return [][]float32{make([]float32, testDim), make([]float32, testDim+1)}, nil
	}
	_, err = svc.RecordBatch(context.Background(), []Pair{{Prompt: "x"}, {Prompt: "y"}})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("RecordBatch error = %v, want ErrDimensionMismatch", err)
	}

	be.fn = func(texts []string) ([][]float32, error) {
		bad := make([]float32, testDim)
		bad[0] = float32(math.Inf(-1))
		return [][]float32{make([]float32, testDim), bad}, nil
	}
	_, err = svc.RecordBatch(context.Background(), []Pair{{Prompt: "x"}, {Prompt: "y"}})
	if !errors.Is(err, ErrProvider) {
		t.Fatalf("RecordBatch error = %v, want ErrProvider for Inf", err)
	}
	if n, _, _ := f.store.Count(context.Background()); n != 2 {
		t.Errorf("store count = %d after rejected batch, want 2", n)
	}
}

// TestConcurrentWritersAndReaders checks that no write is lost when many
// writers race and that readers always see a consistent generation.
func TestConcurrentWritersAndReaders(t *testing.T) {
	f := newFixture(t)
	svc := f.open(t, vectorindex.KindFlat)
	ctx := context.Background()

	const writers = 16
	ids := make([]int64, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := svc.RecordAndIndex(ctx, fmt.Sprintf("note%03d", i), "r")
			if err != nil {
				t.Errorf("writer %d: %v", i, err)
				return
			}
			ids[i] = id
		}(i)
	}
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mems, err := svc.RetrieveSimilar(ctx, "note000", 5)
			if err != nil {
				t.Errorf("reader: %v", err)
				return
			}
			for j := 1; j < len(mems); j++ {
				if mems[j].Distance < mems[j-1].Distance {
					t.Errorf("reader saw unordered results")
				}
			}
		}()
	}
	wg.Wait()

	if svc.Index().Len() != writers {
		t.Fatalf("index len = %d, want %d", svc.Index().Len(), writers)
	}
	for i, id := range ids {
		got := queryIDs(t, svc, fmt.Sprintf("note%03d", i), 1)
		if len(got) != 1 || got[0] != id {
			t.Errorf("query note%03d = %v, want [%d]", i, got, id)
		}
	}

	// The persisted file holds every write too.
	loaded, err := vectorindex.Load(f.indexPath, vectorindex.KindFlat, testDim)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Len() != writers {
		t.Errorf("persisted entries = %d, want %d", loaded.Len(), writers)
	}
}

func TestParseEmbedPolicy(t *testing.T) {
	for in, want := range map[string]EmbedPolicy{"": PolicyPrompt, "prompt": PolicyPrompt, "prompt_response": PolicyPromptResponse} {
		got, err := ParseEmbedPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseEmbedPolicy(%q) = %q, %v, want %q", in, got, err, want)
		}
	}
	if _, err := ParseEmbedPolicy("response"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
