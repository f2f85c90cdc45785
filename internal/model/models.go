// Package model defines the domain structs shared across the store, probe,
// scoring and lease layers.
package model

// Protocol identifies a proxy's wire protocol.
type Protocol string

const (
	ProtocolHTTP   Protocol = "http"
	ProtocolSOCKS4 Protocol = "socks4"
	ProtocolSOCKS5 Protocol = "socks5"
)

// TriState distinguishes "never probed" from a definite pass/fail.
type TriState int

const (
	Unknown TriState = iota
	True
	False
)

// Location is sticky geo/ASN info populated once by P4 and never re-queried
// while set.
type Location struct {
	City     string `json:"city"`
	Region   string `json:"region"`
	Country  string `json:"country"`
	Coord    string `json:"coord"`
	Org      string `json:"org"`
	Postal   string `json:"postal"`
	Timezone string `json:"timezone"`
}

// IsUnknown reports whether no field of the location has been populated.
func (l Location) IsUnknown() bool {
	return l == Location{}
}

// Browser holds the result of the P5 browser probe.
type Browser struct {
	Valid     TriState `json:"valid"`
	CheckedAt int64    `json:"checked_at"`
	LatencyMs int64    `json:"latency_ms"`
}

// Security holds the five P6 sub-check verdict strings, each one of
// "pass", "failed:<reason>", "error:<msg>" or "unknown".
type Security struct {
	DNSOk        string `json:"dns_ok"`
	TLSOk        string `json:"tls_ok"`
	CleanContent string `json:"clean_content"`
	DataIntact   string `json:"data_intact"`
	BehaviourOk  string `json:"behaviour_ok"`
	CheckedAt    int64  `json:"checked_at"`
}

// Performance is the rolling performance summary for a proxy.
type Performance struct {
	AvgLatencyS   float64 `json:"avg_latency_s"` // -1 sentinel when never measured
	SuccessRate   float64 `json:"success_rate"`
	LastCheckedNs int64   `json:"last_checked_ns"`
}

// Proxy is the primary entity, keyed by Endpoint ("host:port").
type Proxy struct {
	Endpoint         string      `json:"endpoint"`
	Score            int         `json:"score"`
	Protocols        []Protocol  `json:"protocols"`
	SupportsCN       bool        `json:"supports_cn"`
	SupportsIntl     bool        `json:"supports_intl"`
	Transparent      bool        `json:"transparent"`
	ObservedEgressIP string      `json:"observed_egress_ip"` // "unknown" sentinel
	Location         Location    `json:"location"`
	Browser          Browser     `json:"browser"`
	Security         Security    `json:"security"`
	Performance      Performance `json:"performance"`
	CreatedAtNs      int64       `json:"created_at_ns"`
	UpdatedAtNs      int64       `json:"updated_at_ns"`
}

// HasProtocol reports whether p advertises the given protocol.
func (p *Proxy) HasProtocol(proto Protocol) bool {
	for _, existing := range p.Protocols {
		if existing == proto {
			return true
		}
	}
	return false
}

// LeaseStatus is the state of a Lease Record.
type LeaseStatus string

const (
	LeaseIdle LeaseStatus = "idle"
	LeaseBusy LeaseStatus = "busy"
	LeaseDead LeaseStatus = "dead"
)

// Lease is the volatile per-endpoint lease state, persisted separately from
// the Proxy Record it accompanies.
type Lease struct {
	Endpoint      string      `json:"endpoint"`
	Status        LeaseStatus `json:"status"`
	TaskID        string      `json:"task_id"`
	AcquiredAtNs  int64       `json:"acquired_at_ns"`
	HeartbeatAtNs int64       `json:"heartbeat_at_ns"`
}

// ProbeLeg is the outcome of a single P1 reachability attempt.
type ProbeLeg struct {
	OK               bool
	ElapsedS         float64
	DetectedProtocol Protocol
	Reason           string // set iff !OK; never propagated beyond the verdict
}

// ProbeBundle collects the outputs of whichever probes ran in a round. Zero
// values mean "did not run", distinguished from an explicit failure verdict
// by the Ran flags.
type ProbeBundle struct {
	RanP2 bool
	CN    ProbeLeg
	Intl  ProbeLeg

	RanP3       bool
	AnonymityOK bool
	Transparent bool
	ObservedIP  string

	RanP4    bool
	Location Location

	RanP5      bool
	Browser    Browser
	BrowserErr string

	RanP6    bool
	Security Security
}
