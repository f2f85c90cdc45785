// Package scoring implements the pure, deterministic Scoring Engine: given a
// possibly-absent current record and the probe outputs from one round, it
// produces the next record. No package-level state; safe to call
// concurrently from many goroutines against distinct records.
package scoring

import "github.com/proxypool/proxypool/internal/model"

// NewCandidateDefaultScore is the score assigned when a brand-new candidate
// clears at least one P2 leg.
const NewCandidateDefaultScore = 98

// Apply computes the next record given the current one (current == nil for a
// brand-new candidate) and the bundle of probes run this round.
func Apply(current *model.Proxy, endpoint string, bundle model.ProbeBundle, maxScore int) model.Proxy {
	if current == nil {
		return applyNewCandidate(endpoint, bundle, maxScore)
	}
	return applyRefresh(*current, bundle, maxScore)
}

func applyNewCandidate(endpoint string, bundle model.ProbeBundle, maxScore int) model.Proxy {
	out := model.Proxy{
		Endpoint:         endpoint,
		ObservedEgressIP: "unknown",
		Performance:      model.Performance{AvgLatencyS: -1, SuccessRate: 0.5},
	}

	anySuccess := bundle.RanP2 && (bundle.CN.OK || bundle.Intl.OK)
	if anySuccess {
		out.Score = NewCandidateDefaultScore
	} else {
		out.Score = 0
	}
	if out.Score > maxScore {
		out.Score = maxScore
	}

	out.Protocols = detectedProtocols(nil, bundle)

	if bundle.RanP4 && !bundle.Location.IsUnknown() {
		out.Location = bundle.Location
	}

	applyLatencyAndRate(&out, model.Proxy{Performance: model.Performance{AvgLatencyS: -1, SuccessRate: 0.5}}, bundle)
	applyTransparency(&out, model.Proxy{}, bundle)
	applyBrowser(&out, bundle)
	applySecurity(&out, bundle)

	return out
}

func applyRefresh(current model.Proxy, bundle model.ProbeBundle, maxScore int) model.Proxy {
	out := current

	if bundle.RanP2 {
		delta := 0
		switch {
		case bundle.CN.OK && bundle.Intl.OK:
			delta = 2
		case bundle.CN.OK || bundle.Intl.OK:
			delta = 1
		default:
			delta = -1
		}
		out.Score = clamp(current.Score+delta, 0, maxScore)
		out.Protocols = detectedProtocols(current.Protocols, bundle)
	}

	if bundle.RanP4 && current.Location.IsUnknown() && !bundle.Location.IsUnknown() {
		out.Location = bundle.Location
	}

	applyLatencyAndRate(&out, current, bundle)
	applyTransparency(&out, current, bundle)
	applyBrowser(&out, bundle)
	applySecurity(&out, bundle)

	return out
}

func detectedProtocols(existing []model.Protocol, bundle model.ProbeBundle) []model.Protocol {
	seen := make(map[model.Protocol]bool)
	out := append([]model.Protocol{}, existing...)
	for _, p := range existing {
		seen[p] = true
	}
	if bundle.CN.OK && bundle.CN.DetectedProtocol != "" && !seen[bundle.CN.DetectedProtocol] {
		out = append(out, bundle.CN.DetectedProtocol)
		seen[bundle.CN.DetectedProtocol] = true
	}
	if bundle.Intl.OK && bundle.Intl.DetectedProtocol != "" && !seen[bundle.Intl.DetectedProtocol] {
		out = append(out, bundle.Intl.DetectedProtocol)
		seen[bundle.Intl.DetectedProtocol] = true
	}
	return out
}

func applyLatencyAndRate(out *model.Proxy, old model.Proxy, bundle model.ProbeBundle) {
	if !bundle.RanP2 {
		return
	}

	var sum float64
	var n int
	if bundle.CN.OK {
		sum += bundle.CN.ElapsedS
		n++
	}
	if bundle.Intl.OK {
		sum += bundle.Intl.ElapsedS
		n++
	}

	if n > 0 {
		curAvg := sum / float64(n)
		if old.Performance.AvgLatencyS > 0 {
			out.Performance.AvgLatencyS = 0.3*curAvg + 0.7*old.Performance.AvgLatencyS
		} else {
			out.Performance.AvgLatencyS = curAvg
		}
	} else {
		out.Performance.AvgLatencyS = old.Performance.AvgLatencyS
	}

	curRate := float64(n) / 2.0
	oldRate := old.Performance.SuccessRate
	if oldRate == 0 {
		oldRate = 0.5
	}
	out.Performance.SuccessRate = 0.3*curRate + 0.7*oldRate
}

func applyTransparency(out *model.Proxy, old model.Proxy, bundle model.ProbeBundle) {
	if bundle.RanP3 && bundle.AnonymityOK {
		out.Transparent = bundle.Transparent
		out.ObservedEgressIP = bundle.ObservedIP
		return
	}
	out.Transparent = old.Transparent
	if out.ObservedEgressIP == "" {
		out.ObservedEgressIP = old.ObservedEgressIP
	}
}

func applyBrowser(out *model.Proxy, bundle model.ProbeBundle) {
	if !bundle.RanP5 {
		return
	}
	out.Browser = bundle.Browser
}

func applySecurity(out *model.Proxy, bundle model.ProbeBundle) {
	if !bundle.RanP6 {
		return
	}
	out.Security = bundle.Security
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
