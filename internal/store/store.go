package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/proxypool/proxypool/internal/model"
)

// Store is the single-file relational backing for proxy and lease records.
type Store struct {
	db *sql.DB
}

// Open opens (creating and migrating as needed) the SQLite file at path.
func Open(path string) (*Store, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

const selectProxyColumns = `
	endpoint, score, protocols, supports_cn, supports_intl, transparent,
	observed_egress_ip,
	location_city, location_region, location_country, location_coord,
	location_org, location_postal, location_timezone,
	browser_valid, browser_checked_at, browser_latency_ms,
	security_dns_ok, security_tls_ok, security_clean_content,
	security_data_intact, security_behaviour_ok, security_checked_at,
	perf_avg_latency_s, perf_success_rate, perf_last_checked_ns,
	created_at_ns, updated_at_ns
`

func scanProxy(row interface{ Scan(...any) error }) (model.Proxy, error) {
	var p model.Proxy
	var protocols string
	var browserValid int
	if err := row.Scan(
		&p.Endpoint, &p.Score, &protocols, &p.SupportsCN, &p.SupportsIntl, &p.Transparent,
		&p.ObservedEgressIP,
		&p.Location.City, &p.Location.Region, &p.Location.Country, &p.Location.Coord,
		&p.Location.Org, &p.Location.Postal, &p.Location.Timezone,
		&browserValid, &p.Browser.CheckedAt, &p.Browser.LatencyMs,
		&p.Security.DNSOk, &p.Security.TLSOk, &p.Security.CleanContent,
		&p.Security.DataIntact, &p.Security.BehaviourOk, &p.Security.CheckedAt,
		&p.Performance.AvgLatencyS, &p.Performance.SuccessRate, &p.Performance.LastCheckedNs,
		&p.CreatedAtNs, &p.UpdatedAtNs,
	); err != nil {
		return p, err
	}
	p.Protocols = splitProtocols(protocols)
	p.Browser.Valid = model.TriState(browserValid)
	return p, nil
}

func joinProtocols(protos []model.Protocol) string {
	parts := make([]string, len(protos))
	for i, p := range protos {
		parts[i] = string(p)
	}
	return strings.Join(parts, ",")
}

func splitProtocols(s string) []model.Protocol {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]model.Protocol, len(parts))
	for i, p := range parts {
		out[i] = model.Protocol(p)
	}
	return out
}

// LoadAll returns a full snapshot of every proxy record, keyed by endpoint.
// Used at startup and on explicit reload.
func (s *Store) LoadAll() (map[string]model.Proxy, error) {
	rows, err := s.db.Query("SELECT " + selectProxyColumns + " FROM proxies")
	if err != nil {
		return nil, fmt.Errorf("load all proxies: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.Proxy)
	for rows.Next() {
		p, err := scanProxy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proxy row: %w", err)
		}
		out[p.Endpoint] = p
	}
	return out, rows.Err()
}

// Get returns a single proxy record, or ok=false if absent.
func (s *Store) Get(endpoint string) (model.Proxy, bool, error) {
	row := s.db.QueryRow("SELECT "+selectProxyColumns+" FROM proxies WHERE endpoint = ?", endpoint)
	p, err := scanProxy(row)
	if err == sql.ErrNoRows {
		return model.Proxy{}, false, nil
	}
	if err != nil {
		return model.Proxy{}, false, fmt.Errorf("get proxy %s: %w", endpoint, err)
	}
	return p, true, nil
}

// Upsert batch-writes records, skipping any whose score is <= 0 (those are
// never written — a zero-or-negative score is garbage, not history).
// created_at is preserved on update via INSERT ... ON CONFLICT DO UPDATE.
func (s *Store) Upsert(records []model.Proxy) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin upsert tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO proxies (
			endpoint, score, protocols, supports_cn, supports_intl, transparent,
			observed_egress_ip,
			location_city, location_region, location_country, location_coord,
			location_org, location_postal, location_timezone,
			browser_valid, browser_checked_at, browser_latency_ms,
			security_dns_ok, security_tls_ok, security_clean_content,
			security_data_intact, security_behaviour_ok, security_checked_at,
			perf_avg_latency_s, perf_success_rate, perf_last_checked_ns,
			created_at_ns, updated_at_ns
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(endpoint) DO UPDATE SET
			score=excluded.score, protocols=excluded.protocols,
			supports_cn=excluded.supports_cn, supports_intl=excluded.supports_intl,
			transparent=excluded.transparent, observed_egress_ip=excluded.observed_egress_ip,
			location_city=excluded.location_city, location_region=excluded.location_region,
			location_country=excluded.location_country, location_coord=excluded.location_coord,
			location_org=excluded.location_org, location_postal=excluded.location_postal,
			location_timezone=excluded.location_timezone,
			browser_valid=excluded.browser_valid, browser_checked_at=excluded.browser_checked_at,
			browser_latency_ms=excluded.browser_latency_ms,
			security_dns_ok=excluded.security_dns_ok, security_tls_ok=excluded.security_tls_ok,
			security_clean_content=excluded.security_clean_content,
			security_data_intact=excluded.security_data_intact,
			security_behaviour_ok=excluded.security_behaviour_ok,
			security_checked_at=excluded.security_checked_at,
			perf_avg_latency_s=excluded.perf_avg_latency_s,
			perf_success_rate=excluded.perf_success_rate,
			perf_last_checked_ns=excluded.perf_last_checked_ns,
			updated_at_ns=excluded.updated_at_ns
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, p := range records {
		if p.Score <= 0 {
			continue
		}
		if _, err := stmt.Exec(
			p.Endpoint, p.Score, joinProtocols(p.Protocols), p.SupportsCN, p.SupportsIntl, p.Transparent,
			p.ObservedEgressIP,
			p.Location.City, p.Location.Region, p.Location.Country, p.Location.Coord,
			p.Location.Org, p.Location.Postal, p.Location.Timezone,
			int(p.Browser.Valid), p.Browser.CheckedAt, p.Browser.LatencyMs,
			p.Security.DNSOk, p.Security.TLSOk, p.Security.CleanContent,
			p.Security.DataIntact, p.Security.BehaviourOk, p.Security.CheckedAt,
			p.Performance.AvgLatencyS, p.Performance.SuccessRate, p.Performance.LastCheckedNs,
			p.CreatedAtNs, p.UpdatedAtNs,
		); err != nil {
			return fmt.Errorf("upsert %s: %w", p.Endpoint, err)
		}
	}

	return tx.Commit()
}

// PurgeZero deletes every proxy row with score <= 0, cascading to
// proxy_status and proxy_usage, and returns the count removed.
func (s *Store) PurgeZero() (int, error) {
	res, err := s.db.Exec("DELETE FROM proxies WHERE score <= 0")
	if err != nil {
		return 0, fmt.Errorf("purge zero-score proxies: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge zero-score proxies: rows affected: %w", err)
	}
	return int(n), nil
}

// SetStatus atomically replaces the lease row for endpoint.
func (s *Store) SetStatus(lease model.Lease) error {
	_, err := s.db.Exec(`
		INSERT INTO proxy_status (endpoint, status, task_id, acquired_at_ns, heartbeat_at_ns)
		VALUES (?,?,?,?,?)
		ON CONFLICT(endpoint) DO UPDATE SET
			status=excluded.status, task_id=excluded.task_id,
			acquired_at_ns=excluded.acquired_at_ns, heartbeat_at_ns=excluded.heartbeat_at_ns
	`, lease.Endpoint, lease.Status, lease.TaskID, lease.AcquiredAtNs, lease.HeartbeatAtNs)
	if err != nil {
		return fmt.Errorf("set status %s: %w", lease.Endpoint, err)
	}
	return nil
}

// DeleteStatus removes the lease row for endpoint, e.g. after the dead-record
// cleaner evicts an in-memory lease.
func (s *Store) DeleteStatus(endpoint string) error {
	if _, err := s.db.Exec("DELETE FROM proxy_status WHERE endpoint = ?", endpoint); err != nil {
		return fmt.Errorf("delete status %s: %w", endpoint, err)
	}
	return nil
}

// LoadAllStatus returns every persisted lease row, keyed by endpoint. Used
// at startup to seed the Lease Manager's in-memory view.
func (s *Store) LoadAllStatus() (map[string]model.Lease, error) {
	rows, err := s.db.Query("SELECT endpoint, status, task_id, acquired_at_ns, heartbeat_at_ns FROM proxy_status")
	if err != nil {
		return nil, fmt.Errorf("load all status: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.Lease)
	for rows.Next() {
		var l model.Lease
		if err := rows.Scan(&l.Endpoint, &l.Status, &l.TaskID, &l.AcquiredAtNs, &l.HeartbeatAtNs); err != nil {
			return nil, fmt.Errorf("scan status row: %w", err)
		}
		out[l.Endpoint] = l
	}
	return out, rows.Err()
}

// RecordUsage bumps the auxiliary lease-count row for endpoint, creating it
// on first lease.
func (s *Store) RecordUsage(endpoint string, leasedAtNs int64) error {
	_, err := s.db.Exec(`
		INSERT INTO proxy_usage (endpoint, lease_count, last_leased_ns)
		VALUES (?, 1, ?)
		ON CONFLICT(endpoint) DO UPDATE SET
			lease_count = lease_count + 1, last_leased_ns = excluded.last_leased_ns
	`, endpoint, leasedAtNs)
	if err != nil {
		return fmt.Errorf("record usage %s: %w", endpoint, err)
	}
	return nil
}
