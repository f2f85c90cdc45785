package scoring

import (
	"testing"

	"github.com/proxypool/proxypool/internal/model"
)

func TestApply_NewCandidate_BothLegsFail(t *testing.T) {
	bundle := model.ProbeBundle{
		RanP2: true,
		CN:    model.ProbeLeg{OK: false},
		Intl:  model.ProbeLeg{OK: false},
	}
	got := Apply(nil, "1.2.3.4:8080", bundle, 100)
	if got.Score != 0 {
		t.Fatalf("expected score 0, got %d", got.Score)
	}
}

func TestApply_NewCandidate_OneLegSucceeds(t *testing.T) {
	bundle := model.ProbeBundle{
		RanP2: true,
		CN:    model.ProbeLeg{OK: true, DetectedProtocol: model.ProtocolHTTP, ElapsedS: 0.5},
		Intl:  model.ProbeLeg{OK: false},
	}
	got := Apply(nil, "1.2.3.4:8080", bundle, 100)
	if got.Score != NewCandidateDefaultScore {
		t.Fatalf("expected score %d, got %d", NewCandidateDefaultScore, got.Score)
	}
	if !got.HasProtocol(model.ProtocolHTTP) {
		t.Fatalf("expected detected protocol http, got %v", got.Protocols)
	}
}

func TestApply_NewCandidate_ClampedToMaxScore(t *testing.T) {
	bundle := model.ProbeBundle{RanP2: true, CN: model.ProbeLeg{OK: true}}
	got := Apply(nil, "e", bundle, 50)
	if got.Score != 50 {
		t.Fatalf("expected score clamped to 50, got %d", got.Score)
	}
}

func TestApply_Refresh_BothLegsPass(t *testing.T) {
	current := model.Proxy{Endpoint: "e", Score: 90, Performance: model.Performance{AvgLatencyS: -1, SuccessRate: 0.5}}
	bundle := model.ProbeBundle{
		RanP2: true,
		CN:    model.ProbeLeg{OK: true, ElapsedS: 1.0},
		Intl:  model.ProbeLeg{OK: true, ElapsedS: 2.0},
	}
	got := Apply(&current, "e", bundle, 100)
	if got.Score != 92 {
		t.Fatalf("expected score 92 (90+2), got %d", got.Score)
	}
}

func TestApply_Refresh_OneLegPasses(t *testing.T) {
	current := model.Proxy{Endpoint: "e", Score: 90, Performance: model.Performance{AvgLatencyS: -1, SuccessRate: 0.5}}
	bundle := model.ProbeBundle{
		RanP2: true,
		CN:    model.ProbeLeg{OK: true, ElapsedS: 1.0},
		Intl:  model.ProbeLeg{OK: false},
	}
	got := Apply(&current, "e", bundle, 100)
	if got.Score != 91 {
		t.Fatalf("expected score 91 (90+1), got %d", got.Score)
	}
}

func TestApply_Refresh_BothLegsFail(t *testing.T) {
	current := model.Proxy{Endpoint: "e", Score: 1, Performance: model.Performance{AvgLatencyS: -1, SuccessRate: 0.5}}
	bundle := model.ProbeBundle{RanP2: true, CN: model.ProbeLeg{OK: false}, Intl: model.ProbeLeg{OK: false}}
	got := Apply(&current, "e", bundle, 100)
	if got.Score != 0 {
		t.Fatalf("expected score clamped to 0, got %d", got.Score)
	}
}

func TestApply_Refresh_ProtocolSetNeverShrinks(t *testing.T) {
	current := model.Proxy{
		Endpoint:  "e",
		Score:     50,
		Protocols: []model.Protocol{model.ProtocolSOCKS5},
	}
	bundle := model.ProbeBundle{
		RanP2: true,
		CN:    model.ProbeLeg{OK: false},
		Intl:  model.ProbeLeg{OK: false},
	}
	got := Apply(&current, "e", bundle, 100)
	if !got.HasProtocol(model.ProtocolSOCKS5) {
		t.Fatalf("expected socks5 to survive a transient failure, got %v", got.Protocols)
	}
}

func TestApply_Refresh_LocationRefreshedOnlyWhenUnknown(t *testing.T) {
	known := model.Location{City: "Shanghai"}
	current := model.Proxy{Endpoint: "e", Score: 50, Location: known}
	bundle := model.ProbeBundle{RanP4: true, Location: model.Location{City: "Beijing"}}

	got := Apply(&current, "e", bundle, 100)
	if got.Location != known {
		t.Fatalf("expected location to stay %v, got %v", known, got.Location)
	}

	current2 := model.Proxy{Endpoint: "e", Score: 50}
	got2 := Apply(&current2, "e", bundle, 100)
	if got2.Location.City != "Beijing" {
		t.Fatalf("expected location to be refreshed from unknown, got %v", got2.Location)
	}
}

func TestApply_Browser_CarriedForwardUnlessRan(t *testing.T) {
	current := model.Proxy{Endpoint: "e", Score: 50, Browser: model.Browser{Valid: model.True, LatencyMs: 42}}
	bundle := model.ProbeBundle{}
	got := Apply(&current, "e", bundle, 100)
	if got.Browser.Valid != model.True || got.Browser.LatencyMs != 42 {
		t.Fatalf("expected browser verdict to be carried forward, got %+v", got.Browser)
	}

	bundle2 := model.ProbeBundle{RanP5: true, Browser: model.Browser{Valid: model.False}}
	got2 := Apply(&current, "e", bundle2, 100)
	if got2.Browser.Valid != model.False {
		t.Fatalf("expected browser verdict to be overwritten, got %+v", got2.Browser)
	}
}

func TestApply_Security_OverwrittenWholesale(t *testing.T) {
	current := model.Proxy{Endpoint: "e", Score: 50, Security: model.Security{DNSOk: "pass"}}
	bundle := model.ProbeBundle{RanP6: true, Security: model.Security{DNSOk: "failed:mismatch"}}
	got := Apply(&current, "e", bundle, 100)
	if got.Security.DNSOk != "failed:mismatch" {
		t.Fatalf("expected security verdict overwritten, got %+v", got.Security)
	}
}
