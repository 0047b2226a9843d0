package database

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/supabase-community/supabase-go"
)

// fakePostgrest is an in-memory stand-in for the PostgREST endpoints the
// client uses: eq filters, created_at ordering, insert/upsert, patch, delete.
type fakePostgrest struct {
	mu     sync.Mutex
	tables map[string][]map[string]interface{}
	clock  time.Time
	fail   map[string]int
}

func newFakePostgrest() *fakePostgrest {
	return &fakePostgrest{
		tables: make(map[string][]map[string]interface{}),
		clock:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		fail:   make(map[string]int),
	}
}

func (f *fakePostgrest) rows(table string) []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]interface{}(nil), f.tables[table]...)
}

func (f *fakePostgrest) seed(table string, row map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stamp(row)
	f.tables[table] = append(f.tables[table], row)
}

// stamp sets created_at on rows that lack it, one second apart. Caller holds mu.
func (f *fakePostgrest) stamp(row map[string]interface{}) {
	if _, ok := row["created_at"]; !ok {
		f.clock = f.clock.Add(time.Second)
		row["created_at"] = f.clock.Format(time.RFC3339Nano)
	}
}

func (f *fakePostgrest) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	table := strings.TrimPrefix(r.URL.Path, "/rest/v1/")

	f.mu.Lock()
	defer f.mu.Unlock()

	if code, ok := f.fail[table]; ok {
		w.WriteHeader(code)
		_, _ = w.Write([]byte(`{"code":"XX000","message":"injected failure"}`))
		return
	}

	filters := map[string]string{}
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 && strings.HasPrefix(vs[0], "eq.") {
			filters[k] = strings.TrimPrefix(vs[0], "eq.")
		}
	}
	matches := func(row map[string]interface{}) bool {
		for k, v := range filters {
			if s, _ := row[k].(string); s != v {
				return false
			}
		}
		return true
	}
	representation := strings.Contains(r.Header.Get("Prefer"), "return=representation")

	var out []map[string]interface{}
	status := http.StatusOK

	switch r.Method {
	case http.MethodGet:
		for _, row := range f.tables[table] {
			if matches(row) {
				out = append(out, row)
			}
		}
		if strings.HasPrefix(r.URL.Query().Get("order"), "created_at.desc") {
			sort.SliceStable(out, func(i, j int) bool {
				return out[i]["created_at"].(string) > out[j]["created_at"].(string)
			})
		}
		representation = true

	case http.MethodPost:
		body, _ := io.ReadAll(r.Body)
		var rows []map[string]interface{}
		if err := json.Unmarshal(body, &rows); err != nil {
			var one map[string]interface{}
			if err := json.Unmarshal(body, &one); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			rows = append(rows, one)
		}
		var conflict []string
		if oc := r.URL.Query().Get("on_conflict"); oc != "" {
			conflict = strings.Split(oc, ",")
		}
		for _, row := range rows {
			merged := false
			for _, existing := range f.tables[table] {
				if len(conflict) > 0 && sameKey(existing, row, conflict) {
					for k, v := range row {
						existing[k] = v
					}
					out = append(out, existing)
					merged = true
					break
				}
			}
			if !merged {
				f.stamp(row)
				f.tables[table] = append(f.tables[table], row)
				out = append(out, row)
			}
		}
		status = http.StatusCreated

	case http.MethodPatch:
		body, _ := io.ReadAll(r.Body)
		var patch map[string]interface{}
		_ = json.Unmarshal(body, &patch)
		for _, row := range f.tables[table] {
			if matches(row) {
				for k, v := range patch {
					row[k] = v
				}
				out = append(out, row)
			}
		}

	case http.MethodDelete:
		var keep []map[string]interface{}
		for _, row := range f.tables[table] {
			if matches(row) {
				out = append(out, row)
			} else {
				keep = append(keep, row)
			}
		}
		f.tables[table] = keep
	}

	w.Header().Set("Content-Type", "application/json")
	if !representation {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if out == nil {
		out = []map[string]interface{}{}
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(out)
}

func sameKey(a, b map[string]interface{}, cols []string) bool {
	for _, c := range cols {
		if a[c] != b[c] {
			return false
		}
	}
	return true
}

type testEnv struct {
	client *Client
	db     *fakePostgrest
	mr     *miniredis.Miniredis
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newFakePostgrest()
	srv := httptest.NewServer(db)
	t.Cleanup(srv.Close)

	sb, err := supabase.NewClient(srv.URL, "test-service-key", &supabase.ClientOptions{})
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	return &testEnv{
		client: newClient(sb, rdb, "jobs:queue", zerolog.Nop()),
		db:     db,
		mr:     mr,
	}
}
