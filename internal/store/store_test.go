package store

import (
	"path/filepath"
	"testing"

	"github.com/proxypool/proxypool/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndGet_RoundTrips(t *testing.T) {
	s := openTestStore(t)
	p := model.Proxy{
		Endpoint:     "1.2.3.4:8080",
		Score:        80,
		Protocols:    []model.Protocol{model.ProtocolHTTP, model.ProtocolSOCKS5},
		SupportsCN:   true,
		CreatedAtNs:  1000,
		UpdatedAtNs:  1000,
	}
	if err := s.Upsert([]model.Proxy{p}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, ok, err := s.Get("1.2.3.4:8080")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Score != 80 || !got.HasProtocol(model.ProtocolSOCKS5) || !got.SupportsCN {
		t.Fatalf("unexpected round-tripped proxy: %+v", got)
	}
}

func TestUpsert_SkipsNonPositiveScores(t *testing.T) {
	s := openTestStore(t)
	if err := s.Upsert([]model.Proxy{{Endpoint: "dead:80", Score: 0}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	_, ok, err := s.Get("dead:80")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected score<=0 record to never be written")
	}
}

func TestUpsert_PreservesCreatedAtOnUpdate(t *testing.T) {
	s := openTestStore(t)
	endpoint := "1.2.3.4:8080"
	if err := s.Upsert([]model.Proxy{{Endpoint: endpoint, Score: 50, CreatedAtNs: 100, UpdatedAtNs: 100}}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := s.Upsert([]model.Proxy{{Endpoint: endpoint, Score: 60, CreatedAtNs: 999, UpdatedAtNs: 200}}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, ok, err := s.Get(endpoint)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.CreatedAtNs != 100 {
		t.Fatalf("expected created_at preserved at 100, got %d", got.CreatedAtNs)
	}
	if got.UpdatedAtNs != 200 || got.Score != 60 {
		t.Fatalf("expected updated fields to change, got %+v", got)
	}
}

func TestLoadAll_ReturnsEveryRecord(t *testing.T) {
	s := openTestStore(t)
	if err := s.Upsert([]model.Proxy{
		{Endpoint: "a:1", Score: 10},
		{Endpoint: "b:2", Score: 20},
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	all, err := s.LoadAll()
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 records, got %d", len(all))
	}
}

func TestPurgeZero_RemovesOnlyNonPositiveScores(t *testing.T) {
	s := openTestStore(t)
	if err := s.Upsert([]model.Proxy{{Endpoint: "alive:1", Score: 10}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// force a zero-score row in directly, since Upsert itself refuses to write one
	if _, err := s.db.Exec(`INSERT INTO proxies (endpoint, score, protocols, created_at_ns, updated_at_ns) VALUES ('dead:1', 0, '', 0, 0)`); err != nil {
		t.Fatalf("seed dead row: %v", err)
	}

	n, err := s.PurgeZero()
	if err != nil {
		t.Fatalf("purge zero: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged row, got %d", n)
	}
	if _, ok, _ := s.Get("alive:1"); !ok {
		t.Fatal("expected the live record to survive purge")
	}
}

func TestSetStatusDeleteStatusLoadAllStatus(t *testing.T) {
	s := openTestStore(t)
	// proxy_status references proxies(endpoint), so the parent row comes first
	if err := s.Upsert([]model.Proxy{{Endpoint: "a:1", Score: 10}}); err != nil {
		t.Fatalf("seed proxy: %v", err)
	}
	lease := model.Lease{Endpoint: "a:1", Status: model.LeaseIdle, TaskID: "t1", AcquiredAtNs: 1, HeartbeatAtNs: 2}
	if err := s.SetStatus(lease); err != nil {
		t.Fatalf("set status: %v", err)
	}

	all, err := s.LoadAllStatus()
	if err != nil {
		t.Fatalf("load all status: %v", err)
	}
	if len(all) != 1 || all["a:1"].TaskID != "t1" {
		t.Fatalf("unexpected status map: %+v", all)
	}

	if err := s.DeleteStatus("a:1"); err != nil {
		t.Fatalf("delete status: %v", err)
	}
	all, err = s.LoadAllStatus()
	if err != nil {
		t.Fatalf("load all status: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected status row removed, got %+v", all)
	}
}

func TestRecordUsage_IncrementsLeaseCount(t *testing.T) {
	s := openTestStore(t)
	// proxy_usage references proxies(endpoint), so the parent row comes first
	if err := s.Upsert([]model.Proxy{{Endpoint: "a:1", Score: 10}}); err != nil {
		t.Fatalf("seed proxy: %v", err)
	}
	if err := s.RecordUsage("a:1", 100); err != nil {
		t.Fatalf("record usage: %v", err)
	}
	if err := s.RecordUsage("a:1", 200); err != nil {
		t.Fatalf("record usage: %v", err)
	}

	var count int
	var lastLeased int64
	row := s.db.QueryRow("SELECT lease_count, last_leased_ns FROM proxy_usage WHERE endpoint = ?", "a:1")
	if err := row.Scan(&count, &lastLeased); err != nil {
		t.Fatalf("scan usage row: %v", err)
	}
	if count != 2 || lastLeased != 200 {
		t.Fatalf("expected lease_count=2 last_leased_ns=200, got count=%d last=%d", count, lastLeased)
	}
}
