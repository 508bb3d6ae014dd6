package loader

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"tollwarehouse/internal/storage"
)

// KeyResolver assigns stable surrogate keys to business identifiers of one
// dimension (toll_plaza_id -> toll_plaza_key, ...).
//
// Existing rows are found in the database: either all at once (Prewarm, for
// small dimensions) or per batch (Lookup). New identifiers get MAX(key)+1,
// MAX(key)+2, ... so keys never collide with rows already stored.
//
// KeyResolver is safe for concurrent use.
type KeyResolver struct {
	repo      storage.MultiRepository
	table     string
	keyColumn string // surrogate key, e.g. vehicle_key
	bizColumn string // business identifier, e.g. vehicle_id
	normalize func(string) string

	initialized bool

	mu   sync.RWMutex
	keys map[string]int64
	next int64
}

// NewKeyResolver builds a resolver for table. normalize maps a business
// identifier to its lookup form; nil means storage.NormalizeKey.
func NewKeyResolver(repo storage.MultiRepository, table, keyColumn, bizColumn string, normalize func(string) string) *KeyResolver {
	if normalize == nil {
		normalize = func(s string) string { return storage.NormalizeKey(s) }
	}
	return &KeyResolver{
		repo:      repo,
		table:     table,
		keyColumn: keyColumn,
		bizColumn: bizColumn,
		normalize: normalize,
		keys:      make(map[string]int64),
	}
}

// Table returns the dimension table name.
func (r *KeyResolver) Table() string { return r.table }

// init reads MAX(key) once so new keys start after it.
func (r *KeyResolver) init(ctx context.Context) error {
	if r.initialized {
		return nil
	}
	maxKey, err := r.repo.SelectMaxInt(ctx, r.table, r.keyColumn)
	if err != nil {
		return fmt.Errorf("keys %s: max %s: %w", r.table, r.keyColumn, err)
	}
	if maxKey >= r.next {
		r.next = maxKey + 1
	}
	r.initialized = true
	return nil
}

// Prewarm loads every (business id -> key) pair of the dimension.
// When an identifier appears on several rows the smallest key wins.
func (r *KeyResolver) Prewarm(ctx context.Context) error {
	kv, err := r.repo.SelectAllKeyValue(ctx, r.table, r.bizColumn, r.keyColumn)
	if err != nil {
		return fmt.Errorf("keys %s: prewarm: %w", r.table, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.init(ctx); err != nil {
		return err
	}
	for biz, key := range kv {
		r.remember(r.normalize(biz), key)
	}
	return nil
}

// Lookup fetches keys for identifiers not cached yet, in one round trip per
// key chunk. Identifiers unknown to the database stay unresolved.
func (r *KeyResolver) Lookup(ctx context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.init(ctx); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(ids))
	missing := make([]any, 0, len(ids))
	for _, id := range ids {
		nk := r.normalize(id)
		if nk == "" {
			continue
		}
		if _, ok := r.keys[nk]; ok {
			continue
		}
		if _, ok := seen[nk]; ok {
			continue
		}
		seen[nk] = struct{}{}
		missing = append(missing, strings.TrimSpace(id))
	}
	if len(missing) == 0 {
		return nil
	}

	kv, err := r.repo.SelectKeyValueByKeys(ctx, r.table, r.bizColumn, r.keyColumn, missing)
	if err != nil {
		return fmt.Errorf("keys %s: lookup: %w", r.table, err)
	}
	for biz, key := range kv {
		r.remember(r.normalize(biz), key)
	}
	return nil
}

func (r *KeyResolver) remember(nk string, key int64) {
	if nk == "" {
		return
	}
	if cur, ok := r.keys[nk]; !ok || key < cur {
		r.keys[nk] = key
	}
	if key >= r.next {
		r.next = key + 1
	}
}

// Resolve returns the key for id, assigning the next free key when id is new.
// ok is false for an empty identifier (the fact column stays NULL).
// Call Prewarm or Lookup first so existing rows are reused.
func (r *KeyResolver) Resolve(id string) (key int64, created bool, ok bool) {
	nk := r.normalize(id)
	if nk == "" {
		return 0, false, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if k, found := r.keys[nk]; found {
		return k, false, true
	}
	if r.next <= 0 {
		r.next = 1
	}
	k := r.next
	r.next++
	r.keys[nk] = k
	return k, true, true
}

// Key returns the already resolved key for id without assigning one.
func (r *KeyResolver) Key(id string) (int64, bool) {
	nk := r.normalize(id)
	if nk == "" {
		return 0, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[nk]
	return k, ok
}

// Len returns the number of cached identifiers.
func (r *KeyResolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

// NormalizeName folds case, collapses inner whitespace and applies NFC, so
// "Card", " CARD " and "card" resolve to one payment method.
func NormalizeName(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return ""
	}
	return norm.NFC.String(cases.Fold().String(s))
}
