package probe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/maypok86/otter"
	"github.com/proxypool/proxypool/internal/config"
	"github.com/proxypool/proxypool/internal/geoip"
	"github.com/proxypool/proxypool/internal/model"
)

// configMissingToken is put into a probe's error or verdict string when the
// probe requires a test URL that isn't configured. The literal
// "configuration missing" token is recognisable by tests.
const configMissingToken = "configuration missing"

// Prober is a stateless collection of probe functions. All state it closes
// over (config, own-IP cache, optional geoip reader) is safe for concurrent
// use from many goroutines, since none of it is mutated by a probe call
// except through the otter cache, which is itself concurrency-safe.
type Prober struct {
	cfg *config.Config
	geo *geoip.Reader

	// ownIPCache memoizes the host's own egress IP for the lifetime of the
	// Prober, keyed by the anonymity-check service URL that produced it. A
	// cached entry is not refreshed when a new batch starts.
	ownIPCache otter.Cache[string, string]
}

// New constructs a Prober. geo may be nil if no local MMDB file is
// configured; P4 then falls back to the remote JSON endpoint only.
func New(cfg *config.Config, geo *geoip.Reader) (*Prober, error) {
	cache, err := otter.MustBuilder[string, string](16).Build()
	if err != nil {
		return nil, fmt.Errorf("build own-ip cache: %w", err)
	}
	return &Prober{cfg: cfg, geo: geo, ownIPCache: cache}, nil
}

func pickRandom(urls []string) (string, error) {
	if len(urls) == 0 {
		return "", fmt.Errorf("%s: no test URL configured", configMissingToken)
	}
	return urls[rand.IntN(len(urls))], nil
}

// P1 issues a single strict-success-criterion GET through the proxy.
// successStatus defaults to 204 when 0.
func (p *Prober) P1(ctx context.Context, endpoint string, protoHint model.Protocol, targetURL string, timeout time.Duration, successStatus int) model.ProbeLeg {
	if successStatus == 0 {
		successStatus = http.StatusNoContent
	}

	if protoHint == "auto" || protoHint == "" {
		order := []model.Protocol{model.ProtocolHTTP, model.ProtocolSOCKS5, model.ProtocolSOCKS4}
		var last model.ProbeLeg
		for _, proto := range order {
			leg := p.p1One(ctx, endpoint, proto, targetURL, timeout, successStatus)
			last = leg
			if leg.OK {
				return leg
			}
		}
		return last
	}

	return p.p1One(ctx, endpoint, protoHint, targetURL, timeout, successStatus)
}

func (p *Prober) p1One(ctx context.Context, endpoint string, proto model.Protocol, targetURL string, timeout time.Duration, successStatus int) model.ProbeLeg {
	start := time.Now()
	client, err := newClient(proto, endpoint, timeout, false)
	if err != nil {
		return model.ProbeLeg{OK: false, DetectedProtocol: proto, Reason: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return model.ProbeLeg{OK: false, DetectedProtocol: proto, Reason: err.Error()}
	}

	resp, err := client.Do(req)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		return model.ProbeLeg{OK: false, ElapsedS: elapsed, DetectedProtocol: proto, Reason: err.Error()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != successStatus || elapsed > timeout.Seconds() {
		return model.ProbeLeg{OK: false, ElapsedS: elapsed, DetectedProtocol: proto, Reason: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}
	return model.ProbeLeg{OK: true, ElapsedS: elapsed, DetectedProtocol: proto}
}

// P2 runs P1 twice: once against a random domestic URL, once against a
// random international URL, each with its own configured timeout.
func (p *Prober) P2(ctx context.Context, endpoint string, protoHint model.Protocol) (cn, intl model.ProbeLeg) {
	cnURL, err := pickRandom(p.cfg.Main.TestURLCN)
	if err != nil {
		cn = model.ProbeLeg{OK: false, Reason: err.Error()}
	} else {
		cn = p.P1(ctx, endpoint, protoHint, cnURL, p.cfg.Main.TimeoutCN.Std(), 0)
	}

	if ctx.Err() != nil {
		return cn, model.ProbeLeg{OK: false, Reason: ctx.Err().Error()}
	}

	intlURL, err := pickRandom(p.cfg.Main.TestURLIntl)
	if err != nil {
		intl = model.ProbeLeg{OK: false, Reason: err.Error()}
	} else {
		intl = p.P1(ctx, endpoint, protoHint, intlURL, p.cfg.Main.TimeoutIntl.Std(), 0)
	}

	return cn, intl
}

// P3 fetches a what-is-my-ip endpoint through the proxy and compares it
// against the host's own egress IP, as cached by the Prober.
func (p *Prober) P3(ctx context.Context, endpoint string, protoHint model.Protocol, anySuccess bool) (checkOK, transparent bool, observedIP string) {
	if !anySuccess {
		return false, false, ""
	}
	if !p.cfg.Main.CheckTransparent.Bool() {
		return false, false, ""
	}

	testURL, err := pickRandom(p.cfg.Main.TestURLTransparent)
	if err != nil {
		return false, false, ""
	}

	ownIP, err := p.ownIP(ctx, testURL)
	if err != nil {
		return false, false, ""
	}

	_, _, resp, err := resolveClient(ctx, protoHint, endpoint, p.cfg.Main.TimeoutTransparent.Std(), false, testURL)
	if err != nil {
		return false, false, ""
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	observedIP = strings.TrimSpace(string(body))
	return true, strings.Contains(observedIP, ownIP), observedIP
}

// ownIP determines the host's own egress IP via testURL, memoized in
// p.ownIPCache; later calls, in this batch or any later one, reuse it.
func (p *Prober) ownIP(ctx context.Context, testURL string) (string, error) {
	if ip, ok := p.ownIPCache.Get(testURL); ok {
		return ip, nil
	}

	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, testURL, nil)
		if err != nil {
			return "", err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		ip := strings.TrimSpace(string(body))
		if ip != "" {
			p.ownIPCache.Set(testURL, ip)
			return ip, nil
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("could not determine own IP from %s", testURL)
	}
	return "", lastErr
}

// P4 fetches Geo/ASN info through the proxy. Skipped by the caller (the
// Batch Runner) when the record already has non-sentinel location data;
// this function itself always runs when called.
func (p *Prober) P4(ctx context.Context, endpoint string, protoHint model.Protocol, observedIP string) model.Location {
	if p.geo != nil && observedIP != "" {
		if loc, ok := p.geo.Lookup(observedIP); ok {
			return loc
		}
	}

	if p.cfg.Main.TestURLInfo == "" {
		return model.Location{}
	}
	_, _, resp, err := resolveClient(ctx, protoHint, endpoint, p.cfg.Main.TimeoutIPInfo.Std(), false, p.cfg.Main.TestURLInfo)
	if err != nil {
		return model.Location{}
	}
	defer resp.Body.Close()
	return parseIPInfoJSON(resp.Body)
}

// P5 approximates the browser probe with a plain HTTP fetch through the
// proxy: no headless-browser automation library is wired into this module,
// so this checks reachability and body-token presence
// rather than real page rendering.
func (p *Prober) P5(ctx context.Context, endpoint string, protoHint model.Protocol, expectedToken string) (ok bool, latencyMs int64, errSummary string) {
	if p.cfg.Main.TestURLBrowser == "" {
		return false, 0, configMissingToken
	}

	start := time.Now()
	_, _, resp, err := resolveClient(ctx, protoHint, endpoint, p.cfg.Main.TimeoutBrowser.Std(), false, p.cfg.Main.TestURLBrowser)
	latencyMs = time.Since(start).Milliseconds()
	if err != nil {
		return false, latencyMs, normalizeBrowserError(err.Error())
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode != http.StatusOK {
		return false, latencyMs, normalizeBrowserError(fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}
	if expectedToken != "" && !bytes.Contains(body, []byte(expectedToken)) {
		return false, latencyMs, normalizeBrowserError("expected token not found in body")
	}
	return true, latencyMs, ""
}

var browserErrCodeRe = regexp.MustCompile(`net::ERR_[A-Z_]+`)

func normalizeBrowserError(s string) string {
	if m := browserErrCodeRe.FindString(s); m != "" {
		return m
	}
	if len(s) > 50 {
		return s[:50]
	}
	return s
}
