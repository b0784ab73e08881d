package cache

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// memTier is an in-memory stand-in for both tiers.
type memTier struct {
	mu    sync.Mutex
	data  map[string][]byte
	fail  bool
	reads int
}

func newMemTier() *memTier {
	return &memTier{data: make(map[string][]byte)}
}

func (t *memTier) Get(ctx context.Context, key string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reads++
	if t.fail {
		return nil, errors.New("tier down")
	}
	return t.data[key], nil
}

func (t *memTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail {
		return errors.New("tier down")
	}
	t.data[key] = value
	return nil
}

// durable adapts memTier to the DurableTier shape.
type durable struct{ *memTier }

func (d durable) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := d.memTier.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return v, v != nil, nil
}

func (d durable) Put(ctx context.Context, key string, value []byte) error {
	return d.memTier.Set(ctx, key, value, 0)
}

func TestKeyDependsOnContentAndStage(t *testing.T) {
	a := Key("extract", []byte("image-bytes"))
	b := Key("extract", []byte("image-bytes"))
	c := Key("preprocess", []byte("image-bytes"))
	d := Key("extract", []byte("other-bytes"))

	if a != b {
		t.Error("same content and stage must produce the same key")
	}
	if a == c {
		t.Error("different stages must produce different keys")
	}
	if a == d {
		t.Error("different content must produce different keys")
	}
}

func TestDurableHitRepopulatesFastTier(t *testing.T) {
	ctx := context.Background()
	fast := newMemTier()
	dur := durable{newMemTier()}
	m := NewManager(fast, dur, time.Hour)

	key := Key("extract", []byte("doc"))
	if err := dur.Put(ctx, key, []byte("result")); err != nil {
		t.Fatal(err)
	}

	value, ok := m.Get(ctx, key)
	if !ok || string(value) != "result" {
		t.Fatalf("Get = %q, %v", value, ok)
	}

	fast.mu.Lock()
	_, inFast := fast.data[key]
	fast.mu.Unlock()
	if !inFast {
		t.Error("durable hit did not repopulate the fast tier")
	}
}

func TestTierFailuresDegradeToMiss(t *testing.T) {
	ctx := context.Background()
	fast := newMemTier()
	fast.fail = true
	dur := durable{newMemTier()}
	dur.fail = true
	m := NewManager(fast, dur, time.Hour)

	if _, ok := m.Get(ctx, "anything"); ok {
		t.Error("broken tiers must read as a miss")
	}

	// Put must not panic or error out; Do must still compute.
	m.Put(ctx, "k", []byte("v"))
	value, err := m.Do(ctx, "k", func(ctx context.Context) ([]byte, error) {
		return []byte("computed"), nil
	})
	if err != nil || string(value) != "computed" {
		t.Fatalf("Do with broken tiers = %q, %v", value, err)
	}
}

func TestDoComputesOnceUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newMemTier(), durable{newMemTier()}, time.Hour)
	key := Key("extract", []byte("same-document"))

	var calls int32
	var wg sync.WaitGroup
	results := make([][]byte, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			value, err := m.Do(ctx, key, func(ctx context.Context) ([]byte, error) {
				atomic.AddInt32(&calls, 1)
				time.Sleep(30 * time.Millisecond) // widen the race window
				return []byte("extraction"), nil
			})
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = value
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("compute ran %d times for one key, want 1", got)
	}
	for i, r := range results {
		if string(r) != "extraction" {
			t.Errorf("caller %d got %q", i, r)
		}
	}

	// A later call hits the cache without recomputing.
	if _, err := m.Do(ctx, key, func(ctx context.Context) ([]byte, error) {
		t.Error("recomputed a cached key")
		return nil, nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestDoPropagatesComputeError(t *testing.T) {
	m := NewManager(newMemTier(), durable{newMemTier()}, time.Hour)
	wantErr := errors.New("capability down")

	_, err := m.Do(context.Background(), "k", func(ctx context.Context) ([]byte, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Do error = %v, want %v", err, wantErr)
	}

	// Errors must not be cached.
	value, err := m.Do(context.Background(), "k", func(ctx context.Context) ([]byte, error) {
		return []byte("recovered"), nil
	})
	if err != nil || string(value) != "recovered" {
		t.Fatalf("retry after error = %q, %v", value, err)
	}
}

func TestFindSimilarFiltersAndSorts(t *testing.T) {
	m := NewManager(nil, nil, time.Hour)

	probe := uint64(0b1111_0000)
	candidates := map[string]uint64{
		"exact":  0b1111_0000,            // distance 0
		"close":  0b1111_0001,            // distance 1
		"medium": 0b1111_1111,            // distance 4
		"far":    0xFFFF_FFFF_FFFF_FFFF, // distance 56
	}

	matches := m.FindSimilar(probe, candidates, 8)

	wantIDs := []string{"exact", "close", "medium"}
	if len(matches) != len(wantIDs) {
		t.Fatalf("got %d matches %v, want %d", len(matches), matches, len(wantIDs))
	}
	for i, want := range wantIDs {
		if matches[i].ID != want {
			t.Errorf("match %d = %s (distance %d), want %s", i, matches[i].ID, matches[i].Distance, want)
		}
	}
	for i := 1; i < len(matches); i++ {
		if matches[i].Distance < matches[i-1].Distance {
			t.Error("matches not sorted by ascending distance")
		}
	}
}

func TestPerceptualHashProperties(t *testing.T) {
	bars := func(offset int) image.Image {
		img := image.NewGray(image.Rect(0, 0, 256, 256))
		for y := 0; y < 256; y++ {
			v := uint8(255)
			if (y+offset)%32 < 16 {
				v = 0
			}
			for x := 0; x < 256; x++ {
				img.Pix[y*img.Stride+x] = v
			}
		}
		return img
	}

	checker := image.NewGray(image.Rect(0, 0, 256, 256))
	for y := 0; y < 256; y++ {
		for x := 0; x < 256; x++ {
			if (x/32+y/32)%2 == 0 {
				checker.Pix[y*checker.Stride+x] = 255
			}
		}
	}

	h1 := PerceptualHash(bars(0))
	h2 := PerceptualHash(bars(0))
	if h1 != h2 {
		t.Error("hash is not deterministic")
	}

	// A tiny shift of the same structure stays close.
	if d := HammingDistance(h1, PerceptualHash(bars(1))); d > 10 {
		t.Errorf("near-identical images hash %d bits apart", d)
	}

	// Structurally different content lands far away.
	if d := HammingDistance(h1, PerceptualHash(checker)); d < 8 {
		t.Errorf("dissimilar images hash only %d bits apart", d)
	}
}

func TestHammingDistance(t *testing.T) {
	if d := HammingDistance(0, 0); d != 0 {
		t.Errorf("d(0,0) = %d", d)
	}
	if d := HammingDistance(0, ^uint64(0)); d != 64 {
		t.Errorf("d(0,~0) = %d", d)
	}
	if d := HammingDistance(0b1010, 0b0101); d != 4 {
		t.Errorf("d = %d, want 4", d)
	}
}
