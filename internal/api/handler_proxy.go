package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/proxypool/proxypool/internal/lease"
	"github.com/proxypool/proxypool/internal/model"
	"github.com/proxypool/proxypool/internal/store"
)

// ProxyService wires the Lease Manager and Store into the six core
// endpoints. Request IDs (task_id) are opaque strings the core never
// interprets beyond equality.
type ProxyService struct {
	Manager  *lease.Manager
	Store    *store.Store
	MaxScore int
}

type acquireRequest struct {
	ProxyType      string   `json:"proxy_type"`
	SupportRegion  string   `json:"support_region"`
	MinScore       int      `json:"min_score"`
	ExcludeProxies []string `json:"exclude_proxies"`
	TaskID         string   `json:"task_id"`
}

type acquireResponseData struct {
	Proxy     string      `json:"proxy"`
	TaskID    string      `json:"task_id"`
	ProxyInfo model.Proxy `json:"proxy_info"`
}

// HandleAcquire serves POST /proxy/acquire.
func (s *ProxyService) HandleAcquire(w http.ResponseWriter, r *http.Request) {
	var req acquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidArgument(w, "invalid JSON body: "+err.Error())
		return
	}

	taskID := req.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}

	exclude := make(map[string]struct{}, len(req.ExcludeProxies))
	for _, e := range req.ExcludeProxies {
		exclude[e] = struct{}{}
	}

	filters := lease.Filters{
		Protocol:       model.Protocol(req.ProxyType),
		Region:         req.SupportRegion,
		MinScore:       req.MinScore,
		ExcludeProxies: exclude,
	}

	p, err := s.Manager.Acquire(taskID, filters, time.Now().UnixNano())
	if err != nil {
		writeLeaseError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, "acquired", acquireResponseData{
		Proxy:     p.Endpoint,
		TaskID:    taskID,
		ProxyInfo: p,
	})
}

type releaseRequest struct {
	Proxy        string   `json:"proxy"`
	TaskID       string   `json:"task_id"`
	Success      bool     `json:"success"`
	ResponseTime *float64 `json:"response_time"`
}

// HandleRelease serves POST /proxy/release. The Lease Manager transition
// happens synchronously; the Store score/latency update is dispatched to a
// background goroutine so a slow write never holds up the response.
func (s *ProxyService) HandleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidArgument(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.Proxy == "" || req.TaskID == "" {
		writeInvalidArgument(w, "proxy and task_id are required")
		return
	}

	now := time.Now().UnixNano()
	err := s.Manager.Release(req.Proxy, req.TaskID, req.Success, now)

	go s.applyReleaseScoreDelta(req.Proxy, req.Success, req.ResponseTime)

	if err != nil {
		writeLeaseError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, "released", nil)
}

func (s *ProxyService) applyReleaseScoreDelta(endpoint string, success bool, responseTime *float64) {
	p, _, ok := s.Manager.Get(endpoint)
	if !ok {
		return
	}

	delta := -1
	if success {
		delta = 2
	}
	p.Score = clampScore(p.Score+delta, s.MaxScore)

	if responseTime != nil {
		if p.Performance.AvgLatencyS > 0 {
			p.Performance.AvgLatencyS = 0.3*(*responseTime) + 0.7*p.Performance.AvgLatencyS
		} else {
			p.Performance.AvgLatencyS = *responseTime
		}
	}
	p.UpdatedAtNs = time.Now().UnixNano()

	s.Manager.UpdateScored(p)
	if s.Store != nil {
		if err := s.Store.Upsert([]model.Proxy{p}); err != nil {
			// This runs after the response has been written, so a failed
			// score write is only logged: it is not retried and the caller
			// is not told.
			log.Printf("[api] release score write for %s failed (will not retry automatically): %v", endpoint, err)
		}
	}
}

func clampScore(v, max int) int {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

type heartbeatRequest struct {
	Proxy  string `json:"proxy"`
	TaskID string `json:"task_id"`
}

// HandleHeartbeat serves POST /proxy/heartbeat.
func (s *ProxyService) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidArgument(w, "invalid JSON body: "+err.Error())
		return
	}
	if err := s.Manager.Heartbeat(req.Proxy, req.TaskID, time.Now().UnixNano()); err != nil {
		writeLeaseError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, "ok", nil)
}

// HandleStats serves GET /proxy/stats.
func (s *ProxyService) HandleStats(w http.ResponseWriter, r *http.Request) {
	st := s.Manager.Stats()
	WriteJSON(w, http.StatusOK, "ok", map[string]int{
		"total": st.Total,
		"idle":  st.Idle,
		"busy":  st.Busy,
		"dead":  st.Dead,
	})
}

// HandleInfo serves GET /proxy/info_<endpoint>. The info_ prefix is
// mandatory to disambiguate from /proxy/<endpoint>, which this surface does
// not and must not accept.
func (s *ProxyService) HandleInfo(w http.ResponseWriter, r *http.Request) {
	const prefix = "/proxy/info_"
	endpoint := strings.TrimPrefix(r.URL.Path, prefix)
	if endpoint == "" || endpoint == r.URL.Path {
		writeInvalidArgument(w, "missing endpoint in /proxy/info_<endpoint>")
		return
	}

	p, _, ok := s.Manager.Get(endpoint)
	if !ok {
		WriteError(w, http.StatusNotFound, "unknown endpoint")
		return
	}
	WriteJSON(w, http.StatusOK, "ok", p)
}

// HandleReload serves GET /proxy/reload: re-runs the Store load and rebuilds
// indices. Safe to call while traffic is flowing; the Lease Manager's
// coarse lock serialises it against concurrent acquires.
func (s *ProxyService) HandleReload(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		WriteError(w, http.StatusInternalServerError, "no store configured")
		return
	}
	proxies, err := s.Store.LoadAll()
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "reload failed: "+err.Error())
		return
	}
	leases, err := s.Store.LoadAllStatus()
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "reload failed: "+err.Error())
		return
	}
	s.Manager.Reload(proxies, leases)
	WriteJSON(w, http.StatusOK, "reloaded", map[string]int{"count": len(proxies)})
}
