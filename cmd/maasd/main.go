package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"goa.design/maas/features/gateway"
	"goa.design/maas/internal/config"
	"goa.design/maas/runtime/invoke"
	"goa.design/maas/runtime/mapper"
	"goa.design/maas/runtime/service"
	"goa.design/maas/runtime/telemetry"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to YAML configuration file")
		addrF   = flag.String("http-addr", "", "HTTP listen address (overrides configuration)")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "load configuration")
	}
	if *addrF != "" {
		cfg.HTTPAddr = *addrF
	}
	if *dbgF {
		cfg.Debug = true
	}
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	log.Print(ctx, log.KV{K: "http-addr", V: cfg.HTTPAddr})

	// Populate the registry before the transport starts accepting
	// requests; registration errors are fatal at startup.
	registry := service.NewRegistry()
	if err := registerDemoServices(registry); err != nil {
		log.Fatalf(ctx, err, "register services")
	}
	for _, name := range registry.Names() {
		log.Print(ctx, log.KV{K: "service", V: name})
	}

	// Wire the mapping engine with production telemetry.
	var (
		logger  = telemetry.NewClueLogger()
		metrics = telemetry.NewOTELMetrics()
	)
	srv, err := gateway.NewServer(
		gateway.WithRegistry(registry),
		gateway.WithLogger(logger),
		gateway.WithMapper(mapper.New(mapper.WithLogger(logger), mapper.WithMetrics(metrics))),
		gateway.WithAdapter(invoke.NewAdapter(invoke.WithLogger(logger), invoke.WithMetrics(metrics))),
	)
	if err != nil {
		log.Fatalf(ctx, err, "build gateway")
	}

	mux := goahttp.NewMuxer()
	srv.Mount(mux)
	mux.Handle("GET", "/healthz", health.Handler(health.NewChecker(registry)))
	if cfg.Debug {
		debug.MountPprofHandlers(debug.Adapt(mux))
		debug.MountDebugLogEnabler(debug.Adapt(mux))
	}
	var handler http.Handler = mux
	if cfg.Debug {
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)

	// Channel used by both the signal handler and the server goroutine to
	// notify the main goroutine when to stop.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	httpsrv := &http.Server{Addr: cfg.HTTPAddr, Handler: handler, ReadHeaderTimeout: 60 * time.Second}
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			log.Printf(ctx, "HTTP server listening on %q", cfg.HTTPAddr)
			errc <- httpsrv.ListenAndServe()
		}()
		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := httpsrv.Shutdown(shutdownCtx); err != nil {
			log.Errorf(ctx, err, "failed to shutdown HTTP server")
		}
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	wg.Wait()
	log.Printf(ctx, "exited")
}
