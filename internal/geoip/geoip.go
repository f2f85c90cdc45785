// Package geoip provides local Geo/ASN enrichment for the P4 probe via a
// MaxMind-format database, plus a scheduled updater that atomically
// replaces the database file in place.
package geoip

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/oschwald/maxminddb-golang"
	"github.com/proxypool/proxypool/internal/model"
	"github.com/robfig/cron/v3"
)

type cityRecord struct {
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Subdivisions []struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"subdivisions"`
	Country struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"country"`
	Location struct {
		Latitude  float64 `maxminddb:"latitude"`
		Longitude float64 `maxminddb:"longitude"`
		TimeZone  string  `maxminddb:"time_zone"`
	} `maxminddb:"location"`
	Postal struct {
		Code string `maxminddb:"code"`
	} `maxminddb:"postal"`
	Traits struct {
		Organization string `maxminddb:"organization"`
	} `maxminddb:"traits"`
}

// Reader wraps a MaxMind City-DB reader behind an RWMutex so it can be
// hot-swapped by the Updater without disrupting in-flight lookups.
type Reader struct {
	mu     sync.RWMutex
	reader *maxminddb.Reader
}

// Open opens the mmdb file at path. A missing file is not an error: Lookup
// simply reports no match, so P4 falls back to the remote JSON endpoint.
func Open(path string) (*Reader, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &Reader{}, nil
	}
	r, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mmdb %s: %w", path, err)
	}
	return &Reader{reader: r}, nil
}

// Lookup returns Geo/ASN data for ip, or ok=false if no local database is
// loaded or ip has no entry.
func (r *Reader) Lookup(ip string) (model.Location, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.reader == nil {
		return model.Location{}, false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return model.Location{}, false
	}

	var rec cityRecord
	if err := r.reader.Lookup(parsed, &rec); err != nil {
		return model.Location{}, false
	}

	region := ""
	if len(rec.Subdivisions) > 0 {
		region = rec.Subdivisions[0].Names["en"]
	}
	loc := model.Location{
		City:     rec.City.Names["en"],
		Region:   region,
		Country:  rec.Country.Names["en"],
		Coord:    fmt.Sprintf("%.4f,%.4f", rec.Location.Latitude, rec.Location.Longitude),
		Org:      rec.Traits.Organization,
		Postal:   rec.Postal.Code,
		Timezone: rec.Location.TimeZone,
	}
	if loc.IsUnknown() {
		return loc, false
	}
	return loc, true
}

// swap atomically replaces the underlying reader, closing the old one.
func (r *Reader) swap(newReader *maxminddb.Reader) {
	r.mu.Lock()
	old := r.reader
	r.reader = newReader
	r.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// Close releases the underlying database handle.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reader == nil {
		return nil
	}
	return r.reader.Close()
}

// Updater periodically refreshes a Reader's backing file from a remote URL,
// verifying its SHA256 checksum before the atomic rename.
type Updater struct {
	reader   *Reader
	path     string
	url      string
	sha256URL string
	cron     *cron.Cron
}

// NewUpdater wires a cron schedule (robfig/cron) to a download-verify-swap
// cycle. schedule is a standard 5-field cron expression.
func NewUpdater(reader *Reader, path, url, sha256URL, schedule string) (*Updater, error) {
	u := &Updater{reader: reader, path: path, url: url, sha256URL: sha256URL, cron: cron.New()}
	if schedule != "" {
		if _, err := u.cron.AddFunc(schedule, func() { _ = u.UpdateNow(context.Background()) }); err != nil {
			return nil, fmt.Errorf("schedule geoip update %q: %w", schedule, err)
		}
	}
	return u, nil
}

// Start begins the cron scheduler. No-op if no schedule was configured.
func (u *Updater) Start() { u.cron.Start() }

// Stop halts the cron scheduler.
func (u *Updater) Stop() { u.cron.Stop() }

// UpdateNow downloads the configured database, verifies its checksum, and
// atomically replaces the file + hot-swaps the Reader.
func (u *Updater) UpdateNow(ctx context.Context) error {
	tmpPath := u.path + ".tmp"

	if err := downloadTo(ctx, u.url, tmpPath); err != nil {
		return fmt.Errorf("download geoip db: %w", err)
	}
	defer os.Remove(tmpPath)

	if u.sha256URL != "" {
		wantHex, err := downloadString(ctx, u.sha256URL)
		if err != nil {
			return fmt.Errorf("download geoip db checksum: %w", err)
		}
		gotHex, err := sha256File(tmpPath)
		if err != nil {
			return fmt.Errorf("hash downloaded geoip db: %w", err)
		}
		if gotHex != wantHex {
			return fmt.Errorf("geoip db checksum mismatch: want %s got %s", wantHex, gotHex)
		}
	}

	newReader, err := maxminddb.Open(tmpPath)
	if err != nil {
		return fmt.Errorf("open downloaded geoip db: %w", err)
	}

	if err := os.Rename(tmpPath, u.path); err != nil {
		newReader.Close()
		return fmt.Errorf("install geoip db: %w", err)
	}

	u.reader.swap(newReader)
	return nil
}

func downloadTo(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, resp.Body)
	return err
}

func downloadString(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
