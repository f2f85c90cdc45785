package store

import (
	"strings"
	"testing"

	"github.com/proxypool/proxypool/internal/model"
)

func TestParseMirrorCSV(t *testing.T) {
	input := "http,1.2.3.4:8080,90,true,false,false,1.2.3.4\nsocks5,5.6.7.8:1080,50,false,true,true,5.6.7.8\n"

	rows, err := ParseMirrorCSV(strings.NewReader(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Protocol != model.ProtocolHTTP || rows[0].Endpoint != "1.2.3.4:8080" || rows[0].Score != 90 {
		t.Fatalf("unexpected first row: %+v", rows[0])
	}
	if !rows[1].SupportsIntl || !rows[1].Transparent {
		t.Fatalf("unexpected second row flags: %+v", rows[1])
	}
}

func TestParseMirrorCSV_InvalidScore(t *testing.T) {
	input := "http,1.2.3.4:8080,not-a-number,true,false,false,1.2.3.4\n"
	if _, err := ParseMirrorCSV(strings.NewReader(input)); err == nil {
		t.Fatal("expected an error for a non-numeric score column")
	}
}

func TestMergeMirrorRow_UnionsProtocolsAndBlendsSuccessRate(t *testing.T) {
	local := model.Proxy{
		Endpoint:    "1.2.3.4:8080",
		Protocols:   []model.Protocol{model.ProtocolSOCKS5},
		Performance: model.Performance{SuccessRate: 0.9},
	}
	row := MirrorRow{
		Protocol: model.ProtocolHTTP,
		Endpoint: "1.2.3.4:8080",
		Score:    100,
	}

	merged := MergeMirrorRow(local, row)

	if !merged.HasProtocol(model.ProtocolSOCKS5) || !merged.HasProtocol(model.ProtocolHTTP) {
		t.Fatalf("expected union of protocols, got %v", merged.Protocols)
	}

	want := 0.9*0.7 + 1.0*0.3
	if diff := merged.Performance.SuccessRate - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected success_rate %v, got %v", want, merged.Performance.SuccessRate)
	}
}

func TestMergeMirrorRow_SuccessRateFloorsAt0Point3(t *testing.T) {
	local := model.Proxy{Endpoint: "e", Performance: model.Performance{SuccessRate: 0}}
	row := MirrorRow{Protocol: model.ProtocolHTTP, Endpoint: "e", Score: 0}

	merged := MergeMirrorRow(local, row)
	if merged.Performance.SuccessRate != 0.3 {
		t.Fatalf("expected success_rate floored at 0.3, got %v", merged.Performance.SuccessRate)
	}
}
