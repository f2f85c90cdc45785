package probe

import (
	"strings"
	"testing"
)

func TestNormalizeBrowserError_ExtractsKnownCode(t *testing.T) {
	got := normalizeBrowserError("net::ERR_CONNECTION_TIMED_OUT: the socket closed unexpectedly after a long wait")
	if got != "net::ERR_CONNECTION_TIMED_OUT" {
		t.Fatalf("expected extracted error code, got %q", got)
	}
}

func TestNormalizeBrowserError_TruncatesLongUnknownErrors(t *testing.T) {
	long := strings.Repeat("x", 100)
	got := normalizeBrowserError(long)
	if len(got) != 50 {
		t.Fatalf("expected truncation to 50 chars, got %d", len(got))
	}
}

func TestNormalizeBrowserError_ShortUnknownErrorPassesThrough(t *testing.T) {
	got := normalizeBrowserError("connection refused")
	if got != "connection refused" {
		t.Fatalf("expected short error unchanged, got %q", got)
	}
}

func TestParseIPInfoJSON(t *testing.T) {
	body := `{"city":"Shanghai","regionName":"Shanghai","country":"China","lat":31.23,"lon":121.47,"isp":"ChinaNet","zip":"200000","timezone":"Asia/Shanghai"}`
	loc := parseIPInfoJSON(strings.NewReader(body))
	if loc.City != "Shanghai" || loc.Country != "China" || loc.Org != "ChinaNet" {
		t.Fatalf("unexpected location: %+v", loc)
	}
	if loc.Coord != "31.2300,121.4700" {
		t.Fatalf("unexpected coord format: %q", loc.Coord)
	}
}

func TestParseIPInfoJSON_MalformedBodyReturnsUnknown(t *testing.T) {
	loc := parseIPInfoJSON(strings.NewReader("not json"))
	if !loc.IsUnknown() {
		t.Fatalf("expected unknown location for malformed body, got %+v", loc)
	}
}

func TestBuildSOCKS4Request_IPv4Literal(t *testing.T) {
	req, is4a, err := buildSOCKS4Request("1.2.3.4", 80)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if is4a {
		t.Fatal("expected plain SOCKS4 for an IPv4 literal")
	}
	if req[0] != 0x04 || req[1] != 0x01 {
		t.Fatalf("unexpected request header: %v", req)
	}
	if req[2] != 0 || req[3] != 80 {
		t.Fatalf("unexpected port encoding: %v", req)
	}
	if req[4] != 1 || req[5] != 2 || req[6] != 3 || req[7] != 4 {
		t.Fatalf("unexpected IP encoding: %v", req)
	}
}

func TestBuildSOCKS4Request_HostnameFallsBackToSOCKS4A(t *testing.T) {
	req, is4a, err := buildSOCKS4Request("example.com", 443)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !is4a {
		t.Fatal("expected SOCKS4A for a non-IPv4 host")
	}
	if req[4] != 0 || req[5] != 0 || req[6] != 0 || req[7] == 0 {
		t.Fatalf("expected 0.0.0.x destination IP marker, got %v", req[4:8])
	}
	if !strings.Contains(string(req), "example.com") {
		t.Fatalf("expected hostname embedded in request, got %v", req)
	}
}

func TestParseDoHAnswers_ExtractsARecordsOnly(t *testing.T) {
	body := `{"Answer":[{"type":1,"data":"1.2.3.4"},{"type":5,"data":"cname.example.com"},{"type":1,"data":"5.6.7.8"}]}`
	answers, err := parseDoHAnswers(strings.NewReader(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(answers) != 2 || answers[0] != "1.2.3.4" || answers[1] != "5.6.7.8" {
		t.Fatalf("unexpected answers: %v", answers)
	}
}
