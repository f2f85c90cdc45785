package probe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"time"

	"github.com/proxypool/proxypool/internal/model"
)

var maliciousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`script-src[^"']*'unsafe`),
	regexp.MustCompile(`eval\(`),
	regexp.MustCompile(`document\.write`),
	regexp.MustCompile(`<iframe`),
	regexp.MustCompile(`javascript:`),
}

// P6 runs the five independent security sub-checks sequentially for one
// proxy and returns the five sub-verdicts; SecurityPassed computes the
// aggregate verdict from them. Each sub-field is overwritten wholesale with
// the latest verdict string, per the Scoring Engine contract.
func (p *Prober) P6(ctx context.Context, endpoint string, protoHint model.Protocol, nowNs int64) model.Security {
	sec := model.Security{CheckedAt: nowNs}

	for _, step := range []struct {
		run func() string
		out *string
	}{
		{func() string { return p.checkMaliciousContent(ctx, endpoint, protoHint) }, &sec.CleanContent},
		{func() string { return p.checkTLS(ctx, endpoint, protoHint) }, &sec.TLSOk},
		{func() string { return p.checkDNSIntegrity(ctx, endpoint, protoHint) }, &sec.DNSOk},
		{func() string { return p.checkDataIntegrity(ctx, endpoint, protoHint) }, &sec.DataIntact},
		{func() string { return p.checkBehaviour(ctx, endpoint, protoHint) }, &sec.BehaviourOk},
	} {
		if ctx.Err() != nil {
			*step.out = "unknown"
			continue
		}
		*step.out = step.run()
	}

	return sec
}

// SecurityPassed reports whether >= 80% of the five sub-checks passed.
func SecurityPassed(sec model.Security) bool {
	checks := []string{sec.CleanContent, sec.TLSOk, sec.DNSOk, sec.DataIntact, sec.BehaviourOk}
	passCount := 0
	for _, c := range checks {
		if c == "pass" {
			passCount++
		}
	}
	return float64(passCount)/float64(len(checks)) >= 0.8
}

func (p *Prober) checkMaliciousContent(ctx context.Context, endpoint string, protoHint model.Protocol) string {
	urls := []string{p.cfg.Main.TestURLsSafety.HTML, p.cfg.Main.TestURLsSafety.JSON}
	var bodies [][]byte
	for _, u := range urls {
		if u == "" {
			continue
		}
		body, err := p.fetchBody(ctx, endpoint, protoHint, u, p.cfg.Main.TimeoutSafety.Std())
		if err != nil {
			return "error:" + err.Error()
		}
		bodies = append(bodies, body)
	}
	for _, body := range bodies {
		for _, re := range maliciousPatterns {
			if re.Match(body) {
				return "failed:" + re.String()
			}
		}
	}
	return "pass"
}

func (p *Prober) checkTLS(ctx context.Context, endpoint string, protoHint model.Protocol) string {
	u := p.cfg.Main.TestURLsSafety.HTTPS
	if u == "" {
		return "unknown"
	}
	_, _, resp, err := resolveClient(ctx, protoHint, endpoint, p.cfg.Main.TimeoutSafety.Std(), true, u)
	if err != nil {
		return "error:" + err.Error()
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Sprintf("failed:status %d", resp.StatusCode)
	}
	return "pass"
}

func (p *Prober) checkDNSIntegrity(ctx context.Context, endpoint string, protoHint model.Protocol) string {
	domain := p.cfg.Main.DNSTestDomain
	doh := p.cfg.Main.DoHServer
	if domain == "" || doh == "" {
		return "unknown"
	}

	baseline, err := p.dohQuery(ctx, nil, endpoint, doh, domain, p.cfg.Main.TimeoutSafety.Std())
	if err != nil {
		return "unknown"
	}
	viaProxy, err := p.dohQuery(ctx, &protoHint, endpoint, doh, domain, p.cfg.Main.TimeoutSafety.Std())
	if err != nil {
		return "error:" + err.Error()
	}
	if sameRecordSet(baseline, viaProxy) {
		return "pass"
	}
	return "failed:record mismatch"
}

func (p *Prober) dohQuery(ctx context.Context, proto *model.Protocol, endpoint, dohServer, domain string, timeout time.Duration) ([]string, error) {
	u := fmt.Sprintf("%s?name=%s&type=A", dohServer, domain)

	newReq := func(model.Protocol) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/dns-json")
		return req, nil
	}

	var resp *http.Response
	var err error
	if proto == nil {
		client := &http.Client{Timeout: timeout}
		var req *http.Request
		req, err = newReq("")
		if err != nil {
			return nil, err
		}
		resp, err = client.Do(req)
	} else {
		_, _, resp, err = resolveClientRequest(*proto, endpoint, timeout, false, newReq)
	}
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return parseDoHAnswers(resp.Body)
}

func sameRecordSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string{}, a...)
	bs := append([]string{}, b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func (p *Prober) checkDataIntegrity(ctx context.Context, endpoint string, protoHint model.Protocol) string {
	u := p.cfg.Main.TestURLsSafety.Base64
	if u == "" {
		return "unknown"
	}
	body, err := p.fetchBody(ctx, endpoint, protoHint, u, p.cfg.Main.TimeoutSafety.Std())
	if err != nil {
		return "error:" + err.Error()
	}
	if bytes.Equal(bytes.TrimSpace(body), []byte(expectedDataIntegrityBody)) {
		return "pass"
	}
	return "failed:body mismatch"
}

// expectedDataIntegrityBody is the fixed literal the configured endpoint is
// expected to echo verbatim.
const expectedDataIntegrityBody = "proxy-pool-integrity-check"

const behaviourLatencyThreshold = 5 * time.Second

func (p *Prober) checkBehaviour(ctx context.Context, endpoint string, protoHint model.Protocol) string {
	headersURL := p.cfg.Main.TestURLsSafety.Headers
	delayURL := p.cfg.Main.TestURLsSafety.Delay
	if headersURL == "" || delayURL == "" {
		return "unknown"
	}

	client, _, resp, err := resolveClient(ctx, protoHint, endpoint, p.cfg.Main.TimeoutSafety.Std(), false, headersURL)
	if err != nil {
		return "error:" + err.Error()
	}
	defer resp.Body.Close()
	for _, h := range []string{"Via", "X-Forwarded-By", "X-Proxy-Modified"} {
		if resp.Header.Get(h) != "" {
			return "failed:header " + h + " present"
		}
	}

	start := time.Now()
	req2, _ := http.NewRequestWithContext(ctx, http.MethodGet, delayURL, nil)
	resp2, err := client.Do(req2)
	if err != nil {
		return "error:" + err.Error()
	}
	defer resp2.Body.Close()
	if time.Since(start) > behaviourLatencyThreshold {
		return "failed:response time above threshold"
	}

	return "pass"
}

func (p *Prober) fetchBody(ctx context.Context, endpoint string, protoHint model.Protocol, url string, timeout time.Duration) ([]byte, error) {
	_, _, resp, err := resolveClient(ctx, protoHint, endpoint, timeout, false, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}
