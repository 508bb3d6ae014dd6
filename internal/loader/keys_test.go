package loader

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	"tollwarehouse/internal/storage"
	_ "tollwarehouse/internal/storage/sqlite"
	"tollwarehouse/internal/warehouse"
)

func TestNormalizeName(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"Card":        "card",
		"  CARD ":     "card",
		"e  Wallet":   "e wallet",
		"TRANSPONDER": "transponder",
		"Cafe\u0301":  "caf\u00e9",
		"   ":         "",
	}
	for in, want := range tests {
		if got := NormalizeName(in); got != want {
			t.Fatalf("NormalizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestKeyResolver_LookupThenAssign(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := newFakeRepo()
	repo.existing["dim_vehicle"] = map[string]int64{"V-001": 4}
	repo.maxKey["dim_vehicle"] = 9

	r := NewKeyResolver(repo, "dim_vehicle", "vehicle_key", "vehicle_id", nil)
	if err := r.Lookup(ctx, []string{"V-001", " V-001 ", "V-002", ""}); err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	if k, created, ok := r.Resolve("V-001"); !ok || created || k != 4 {
		t.Fatalf("existing id: key=%d created=%v ok=%v", k, created, ok)
	}
	if k, created, ok := r.Resolve("V-002"); !ok || !created || k != 10 {
		t.Fatalf("new id must continue after MAX: key=%d created=%v", k, created)
	}
	if k, created, _ := r.Resolve("V-002 "); created || k != 10 {
		t.Fatalf("second resolve must reuse key: key=%d created=%v", k, created)
	}
	if _, _, ok := r.Resolve("  "); ok {
		t.Fatalf("empty id must not resolve")
	}

	// cached ids are not looked up again
	calls := repo.lookupCalls["dim_vehicle"]
	if err := r.Lookup(ctx, []string{"V-001", "V-002"}); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if repo.lookupCalls["dim_vehicle"] != calls {
		t.Fatalf("unexpected round trip for cached ids")
	}
	if r.Len() != 2 {
		t.Fatalf("Len = %d", r.Len())
	}
}

func TestKeyResolver_PrewarmFoldsNames(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.existing["dim_payment_method"] = map[string]int64{"Card": 3, "card": 2, "Cash": 1}
	repo.maxKey["dim_payment_method"] = 3

	r := NewKeyResolver(repo, "dim_payment_method", "payment_method_key", "method_name", NormalizeName)
	if err := r.Prewarm(context.Background()); err != nil {
		t.Fatalf("Prewarm: %v", err)
	}
	if k, ok := r.Key("CARD"); !ok || k != 2 {
		t.Fatalf("CARD -> %d, %v; want smallest key 2", k, ok)
	}
	if k, created, _ := r.Resolve("Transponder"); !created || k != 4 {
		t.Fatalf("Transponder -> %d created=%v", k, created)
	}
}

func TestKeyResolver_ConcurrentResolveIsUnique(t *testing.T) {
	t.Parallel()

	r := NewKeyResolver(newFakeRepo(), "dim_vehicle", "vehicle_key", "vehicle_id", nil)
	ids := []string{"A", "B", "C", "D", "E", "F", "G", "H"}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, id := range ids {
				r.Resolve(id)
			}
		}()
	}
	wg.Wait()

	seen := map[int64]string{}
	for _, id := range ids {
		k, ok := r.Key(id)
		if !ok {
			t.Fatalf("%s unresolved", id)
		}
		if other, dup := seen[k]; dup {
			t.Fatalf("key %d assigned to %s and %s", k, other, id)
		}
		seen[k] = id
	}
}

func TestKeyResolver_DuplicateBusinessIDsResolveToSmallestKey_SQLite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo, err := storage.NewMulti(ctx, storage.MultiConfig{Kind: "sqlite", DSN: filepath.Join(t.TempDir(), "toll.db")})
	if err != nil {
		t.Fatalf("NewMulti: %v", err)
	}
	t.Cleanup(repo.Close)

	w := warehouse.New(repo)
	if err := w.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	for _, key := range []int64{1, 2} {
		name := sql.NullString{String: "card", Valid: true}
		if err := w.InsertPaymentMethod(ctx, warehouse.PaymentMethod{PaymentMethodKey: key, MethodName: name}); err != nil {
			t.Fatalf("InsertPaymentMethod(%d): %v", key, err)
		}
		id := sql.NullString{String: "V-1", Valid: true}
		if err := w.InsertVehicle(ctx, warehouse.Vehicle{VehicleKey: key, VehicleID: id}); err != nil {
			t.Fatalf("InsertVehicle(%d): %v", key, err)
		}
	}

	methods := NewKeyResolver(repo, warehouse.TablePaymentMethod, "payment_method_key", "method_name", NormalizeName)
	if err := methods.Prewarm(ctx); err != nil {
		t.Fatalf("Prewarm: %v", err)
	}
	if k, ok := methods.Key("card"); !ok || k != 1 {
		t.Fatalf("prewarm card -> %d (ok=%v), want 1", k, ok)
	}

	vehicles := NewKeyResolver(repo, warehouse.TableVehicle, "vehicle_key", "vehicle_id", nil)
	if err := vehicles.Lookup(ctx, []string{"V-1"}); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if k, ok := vehicles.Key("V-1"); !ok || k != 1 {
		t.Fatalf("lookup V-1 -> %d (ok=%v), want 1", k, ok)
	}
	if k, created, _ := vehicles.Resolve("V-2"); !created || k != 3 {
		t.Fatalf("new vehicle key=%d created=%v, want 3", k, created)
	}
}
