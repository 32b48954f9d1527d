// Command scrutinyd is the server-side core: it owns one device link,
// drives it through handshake/heartbeat/memory-reconciliation via
// internal/devicehandler, and exposes the resulting device state and
// watched memory values over the eventbus plus a Prometheus scrape
// endpoint. Structure: flag-parsed config path, bracket-tagged startup
// logging, a single cooperative loop ticking the core at a fixed interval.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scrutiny-server/internal/api"
	"scrutiny-server/internal/config"
	"scrutiny-server/internal/datastore"
	"scrutiny-server/internal/devicehandler"
	"scrutiny-server/internal/eventbus"
	"scrutiny-server/internal/link"
	"scrutiny-server/internal/logx"
	"scrutiny-server/internal/metrics"
	"scrutiny-server/internal/protoerr"
	"scrutiny-server/internal/timebase"
)

var log = logx.New("main")

func main() {
	cfgPath := flag.String("config", "", "path to scrutinyd YAML config (defaults built in if omitted)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Printf("config load failed: %v", err)
		os.Exit(1)
	}

	log.Println("bootstrapping bus, datastore and metrics")
	bus := eventbus.NewBus(64)
	ds := datastore.New()
	mtx := metrics.New()

	lnk, err := buildLink(cfg.Link)
	if err != nil {
		log.Printf("link construction failed: %v", err)
		os.Exit(1)
	}
	if err := lnk.Open(); err != nil {
		log.Printf("[link] initial open failed, will retry: %v", err)
	}

	dh := devicehandler.New(devicehandler.Config{
		RxBufferSize:      cfg.Core.RxBufferSize,
		TxBufferSize:      cfg.Core.TxBufferSize,
		RxTimeoutUs:       cfg.Core.RxTimeoutUs,
		MaxQueueLen:       cfg.Dispatcher.MaxPendingRequests,
		MaxQueueBytes:     cfg.Dispatcher.MaxQueueBytes,
		MaxBitrateBps:     cfg.Throttler.MaxBitrateBps,
		ThrottleWindowSec: cfg.Throttler.WindowSeconds,
	}, lnk, timebase.NewSystem(), bus.NewConnection("core"), ds).WithMetrics(mtx)

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Addr)
	}

	apiCtx, apiCancel := context.WithCancel(context.Background())
	defer apiCancel()
	apiSrv := api.New(bus.NewConnection("api"), ds, dh, func(raw any) (*link.Managed, error) {
		lc, ok := raw.(config.LinkConfig)
		if !ok {
			return nil, fmt.Errorf("configure_link: expected config.LinkConfig payload, got %T", raw)
		}
		return buildLink(lc)
	})
	go apiSrv.Run(apiCtx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logState(bus)

	tick := time.Duration(cfg.Core.TickIntervalMs) * time.Millisecond
	if tick <= 0 {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	clk := timebase.NewSystem()
	log.Printf("entering core loop, tick=%s link.kind=%s", tick, cfg.Link.Kind)
	for {
		select {
		case <-sigCh:
			log.Println("shutdown requested, disconnecting session")
			shutdown(dh, clk, tick)
			_ = lnk.Close()
			return
		case <-ticker.C:
			dh.Tick(clk.NowUs())
		}
	}
}

// shutdown sends a best-effort CommControl.Disconnect and ticks the core a
// little longer so the frame actually drains onto the wire before the link
// closes.
func shutdown(dh *devicehandler.DeviceHandler, clk *timebase.System, tick time.Duration) {
	done := make(chan struct{}, 1)
	if err := dh.Disconnect(func(error) { done <- struct{}{} }); err != nil {
		return
	}
	deadline := time.After(1 * time.Second)
	for {
		select {
		case <-done:
			dh.Tick(clk.NowUs())
			return
		case <-deadline:
			return
		default:
			dh.Tick(clk.NowUs())
			time.Sleep(tick)
		}
	}
}

// buildLink constructs the configured transport variant wrapped in a
// link.Managed, selecting the concrete implementation by name.
func buildLink(lc config.LinkConfig) (*link.Managed, error) {
	var inner link.Link
	switch lc.Kind {
	case "serial":
		inner = link.NewSerial(lc.Serial.Path, lc.Serial.Baud)
	case "tcp":
		inner = link.NewTCP(lc.TCP.Addr)
	case "udp":
		inner = link.NewUDP(lc.UDP.ListenAddr, lc.UDP.RemoteAddr, lc.UDP.RcvBufSize)
	case "rtt":
		// An RTT probe channel cannot be conjured from YAML; it must be
		// constructed programmatically and handed in over configure_link.
		return nil, fmt.Errorf("link kind %q requires a programmatically supplied probe channel", lc.Kind)
	case "none", "":
		a, _ := link.NewDummyPair("scrutinyd", 4096)
		inner = a
	default:
		a, _ := link.NewDummyPair("scrutinyd", 4096)
		inner = a
	}
	return link.NewManaged(inner, classify), nil
}

// classify is the default error classifier: every error is treated as
// transient and subject to Managed's backoff/reopen policy (no error is
// classified fatal), since serial/TCP/UDP links routinely hiccup without
// the underlying hardware being gone for good.
func classify(err error) protoerr.Class {
	if err == nil {
		return protoerr.ClassLinkTransient
	}
	return protoerr.ClassLinkTransient
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Printf("[metrics] serving on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("[metrics] server exited: %v", err)
	}
}

// logState subscribes a throwaway connection purely to log device-state
// and link-error transitions to stdout for operator visibility.
func logState(bus *eventbus.Bus) {
	conn := bus.NewConnection("log")
	state := conn.Subscribe(eventbus.TopicDeviceState())
	linkErr := conn.Subscribe(eventbus.TopicLinkError())
	lost := conn.Subscribe(eventbus.TopicSessionLost())
	go func() {
		for {
			select {
			case m := <-state.Channel():
				log.Printf("[devicehandler] phase -> %v", m.Payload)
			case m := <-linkErr.Channel():
				log.Printf("[link] error: %v", m.Payload)
			case m := <-lost.Channel():
				log.Printf("[devicehandler] session lost: %v", m.Payload)
			}
		}
	}()
}
