package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/proxypool/proxypool/internal/api"
	"github.com/proxypool/proxypool/internal/batch"
	"github.com/proxypool/proxypool/internal/buildinfo"
	"github.com/proxypool/proxypool/internal/config"
	"github.com/proxypool/proxypool/internal/geoip"
	"github.com/proxypool/proxypool/internal/lease"
	"github.com/proxypool/proxypool/internal/model"
	"github.com/proxypool/proxypool/internal/probe"
	"github.com/proxypool/proxypool/internal/signalbus"
	"github.com/proxypool/proxypool/internal/store"
)

// The terminal menu, config editor and GitHub mirror sync are external
// collaborators this module does not implement; this entrypoint wires the
// core components (Store, Prober, Batch Runner, Lease Manager, API Surface)
// behind two subcommands: "serve" (the long-running leasing API) and
// "validate" (a one-shot batch run over a candidate file), standing in for
// whatever menu or scheduler drives them in production.
func main() {
	configPath := flag.String("config", "proxypool.yaml", "path to the YAML config file")
	mode := flag.String("mode", "serve", "serve | validate")
	kindFlag := flag.String("kind", string(batch.KindExisting), "batch kind for -mode=validate: crawl|load|existing|browser|security")
	candidateFile := flag.String("candidates", "", "file of endpoint candidates, one per line, for -mode=validate")
	protoHint := flag.String("proto", "auto", "protocol hint for -mode=validate (http|socks4|socks5|auto)")
	flag.Parse()

	log.Printf("proxypool %s (commit %s, built %s)", buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalf("load config: %v", err)
	}

	st, err := store.Open(cfg.Main.DBFile)
	if err != nil {
		fatalf("open store: %v", err)
	}
	defer st.Close()

	geo, err := geoip.Open(cfg.GeoIP.MMDBPath)
	if err != nil {
		fatalf("open geoip db: %v", err)
	}
	defer geo.Close()

	var geoUpdater *geoip.Updater
	if cfg.GeoIP.UpdateSchedule != "" && cfg.GeoIP.DownloadURL != "" {
		geoUpdater, err = geoip.NewUpdater(geo, cfg.GeoIP.MMDBPath, cfg.GeoIP.DownloadURL, cfg.GeoIP.SHA256URL, cfg.GeoIP.UpdateSchedule)
		if err != nil {
			fatalf("geoip updater: %v", err)
		}
		geoUpdater.Start()
		defer geoUpdater.Stop()
	}

	prober, err := probe.New(cfg, geo)
	if err != nil {
		fatalf("build prober: %v", err)
	}

	bus := signalbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-bus.Done()
		cancel()
	}()
	armSignals(bus)

	switch *mode {
	case "validate":
		runValidate(ctx, cfg, st, prober, bus, *kindFlag, *candidateFile, model.Protocol(*protoHint))
	default:
		runServe(ctx, cfg, st, prober, bus)
	}
}

// runServe starts the leasing API, the reaper, and (if configured) the
// scheduled revalidation batch, blocking until an interrupt is observed.
func runServe(ctx context.Context, cfg *config.Config, st *store.Store, prober *probe.Prober, bus *signalbus.Bus) {
	proxies, err := st.LoadAll()
	if err != nil {
		fatalf("load proxies: %v", err)
	}
	log.Printf("loaded %d proxy records from store", len(proxies))

	leases, err := st.LoadAllStatus()
	if err != nil {
		log.Printf("Warning: load lease status: %v", err)
		leases = map[string]model.Lease{}
	}
	log.Printf("restored %d lease records", len(leases))

	mgr := lease.New(st, proxies, leases)

	reaperStop := make(chan struct{})
	go mgr.RunReaper(reaperStop, func() int64 { return time.Now().UnixNano() })

	var revalidate *cron.Cron
	if cfg.Main.RevalidateSchedule != "" {
		revalidate = cron.New()
		pl := &batch.Pipeline{
			Prober:      prober,
			Store:       st,
			Manager:     mgr,
			MaxScore:    cfg.Main.MaxScore,
			Concurrency: cfg.Main.MaxWorkers,
			CheckDir:    cfg.Interrupt.InterruptDir,
			CheckFiles:  checkpointFilenames(cfg),
		}
		_, err := revalidate.AddFunc(cfg.Main.RevalidateSchedule, func() {
			log.Printf("[schedule] starting revalidation batch")
			candidates := existingCandidates(st)
			if _, err := pl.Run(ctx, batch.KindExisting, candidates, "auto", bus.Done()); err != nil {
				log.Printf("[schedule] revalidation batch failed: %v", err)
			}
		})
		if err != nil {
			fatalf("revalidate schedule: %v", err)
		}
		revalidate.Start()
		defer revalidate.Stop()
	}

	svc := &api.ProxyService{Manager: mgr, Store: st, MaxScore: cfg.Main.MaxScore}
	addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
	srv := &http.Server{Addr: addr, Handler: api.NewServer(svc)}

	srvErr := make(chan error, 1)
	go func() {
		log.Printf("proxypool API listening on %s", addr)
		srvErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Printf("interrupt received, shutting down")
	case err := <-srvErr:
		if err != nil && err != http.ErrServerClosed {
			log.Printf("server error: %v", err)
		}
	}

	close(reaperStop)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
}

// runValidate runs a single batch of the given kind. For crawl/load the
// candidates are read from candidateFile (or stdin if empty), standing in
// for whatever acquisition source or menu option would normally supply the
// list; for existing/browser/security they are every record in the store.
func runValidate(ctx context.Context, cfg *config.Config, st *store.Store, prober *probe.Prober, bus *signalbus.Bus, kindStr, candidateFile string, proto model.Protocol) {
	kind := batch.Kind(kindStr)

	var candidates []batch.Candidate
	switch kind {
	case batch.KindExisting, batch.KindBrowser, batch.KindSecurity:
		candidates = existingCandidates(st)
	default:
		endpoints, err := readEndpoints(candidateFile)
		if err != nil {
			fatalf("read candidates: %v", err)
		}
		for _, e := range endpoints {
			candidates = append(candidates, batch.Candidate{Endpoint: e, Proto: proto})
		}
	}

	pl := &batch.Pipeline{
		Prober:      prober,
		Store:       st,
		MaxScore:    cfg.Main.MaxScore,
		Concurrency: cfg.Main.MaxWorkers,
		CheckDir:    cfg.Interrupt.InterruptDir,
		CheckFiles:  checkpointFilenames(cfg),
	}

	results, err := pl.Run(ctx, kind, candidates, string(proto), bus.Done())
	if err != nil {
		fatalf("batch run: %v", err)
	}
	log.Printf("batch %s complete: %d endpoints scored", kind, len(results))
}

func existingCandidates(st *store.Store) []batch.Candidate {
	proxies, err := st.LoadAll()
	if err != nil {
		log.Printf("load proxies for batch: %v", err)
		return nil
	}
	candidates := make([]batch.Candidate, 0, len(proxies))
	for endpoint, p := range proxies {
		proto := model.Protocol("auto")
		if len(p.Protocols) > 0 {
			proto = p.Protocols[0]
		}
		candidates = append(candidates, batch.Candidate{Endpoint: endpoint, Current: p, Proto: proto})
	}
	return candidates
}

func readEndpoints(path string) ([]string, error) {
	f := os.Stdin
	if path != "" {
		var err error
		f, err = os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
	}
	var endpoints []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			endpoints = append(endpoints, line)
		}
	}
	return endpoints, scanner.Err()
}

func checkpointFilenames(cfg *config.Config) map[batch.Kind]string {
	return map[batch.Kind]string{
		batch.KindCrawl:    cfg.Interrupt.InterruptFileCrawl,
		batch.KindLoad:     cfg.Interrupt.InterruptFileLoad,
		batch.KindExisting: cfg.Interrupt.InterruptFileExisting,
		batch.KindBrowser:  cfg.Interrupt.InterruptFileBrowser,
		batch.KindSecurity: cfg.Interrupt.InterruptFileSafety,
	}
}

func armSignals(bus *signalbus.Bus) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-ch
		log.Printf("received signal %s", sig)
		bus.Trigger()
	}()
}

func fatalf(format string, args ...any) {
	log.Printf(format, args...)
	os.Exit(1)
}
