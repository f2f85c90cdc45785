package api

import "net/http"

// NewServer builds the HTTP surface: six core lease endpoints plus the
// ambient healthz probe, wrapped in logging and CORS middleware. Uses the
// Go 1.22 method+pattern mux syntax, mirroring the original service's
// routing style.
func NewServer(svc *ProxyService) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", HandleHealthz())

	mux.HandleFunc("POST /proxy/acquire", svc.HandleAcquire)
	mux.HandleFunc("POST /proxy/release", svc.HandleRelease)
	mux.HandleFunc("POST /proxy/heartbeat", svc.HandleHeartbeat)
	mux.HandleFunc("GET /proxy/stats", svc.HandleStats)
	mux.HandleFunc("GET /proxy/reload", svc.HandleReload)

	// info_<endpoint> is not expressible as a single mux pattern segment
	// (endpoints contain a colon from host:port), so it is matched by
	// prefix inside the handler itself.
	mux.HandleFunc("GET /proxy/", func(w http.ResponseWriter, r *http.Request) {
		svc.HandleInfo(w, r)
	})

	return LoggingMiddleware(CORSMiddleware(mux))
}
