package store

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/proxypool/proxypool/internal/model"
)

// MirrorRow is one line of the GitHub mirror import format: 7 comma-separated
// columns (protocol, endpoint, score, supports_cn, supports_intl,
// transparent, observed_egress_ip).
type MirrorRow struct {
	Protocol         model.Protocol
	Endpoint         string
	Score            int
	SupportsCN       bool
	SupportsIntl     bool
	Transparent      bool
	ObservedEgressIP string
}

// ParseMirrorCSV reads the collaborator-supplied mirror format from r.
func ParseMirrorCSV(r io.Reader) ([]MirrorRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 7
	cr.TrimLeadingSpace = true

	var rows []MirrorRow
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read mirror csv: %w", err)
		}
		score, err := strconv.Atoi(rec[2])
		if err != nil {
			return nil, fmt.Errorf("mirror csv row %q: invalid score: %w", rec, err)
		}
		rows = append(rows, MirrorRow{
			Protocol:         model.Protocol(rec[0]),
			Endpoint:         rec[1],
			Score:            score,
			SupportsCN:       parseBool(rec[3]),
			SupportsIntl:     parseBool(rec[4]),
			Transparent:      parseBool(rec[5]),
			ObservedEgressIP: rec[6],
		})
	}
	return rows, nil
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}

// MergeMirrorRow absorbs a mirror row column-by-column into the local
// record. Protocols are unioned; success_rate is recomputed as
// max(0.3, old*0.7 + (score/100)*0.3).
func MergeMirrorRow(local model.Proxy, row MirrorRow) model.Proxy {
	out := local
	out.Endpoint = row.Endpoint
	out.Score = row.Score
	out.SupportsCN = row.SupportsCN
	out.SupportsIntl = row.SupportsIntl
	out.Transparent = row.Transparent
	out.ObservedEgressIP = row.ObservedEgressIP

	if !out.HasProtocol(row.Protocol) {
		out.Protocols = append(out.Protocols, row.Protocol)
	}

	blended := local.Performance.SuccessRate*0.7 + (float64(row.Score)/100.0)*0.3
	if blended < 0.3 {
		blended = 0.3
	}
	out.Performance.SuccessRate = blended

	return out
}
