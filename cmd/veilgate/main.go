// Command veilgate runs the camouflaged proxy front end.
//
//	veilgate -config veilgate.yaml
//	veilgate keygen
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"veilgate/internal/config"
	"veilgate/internal/identity"
	"veilgate/internal/metrics"
	"veilgate/internal/server"
)

func main() {
	log.SetFlags(log.LstdFlags)

	if len(os.Args) > 1 && os.Args[1] == "keygen" {
		if err := keygen(os.Stdout); err != nil {
			log.Fatalf("[main] keygen: %v", err)
		}
		return
	}

	configPath := flag.String("config", "veilgate.yaml", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("[main] %v", err)
	}
}

func run(configPath string) error {
	rc, err := config.NewReloadable(configPath)
	if err != nil {
		return err
	}
	defer rc.Close()
	cfg := rc.Get()

	id, err := cfg.Identity()
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	holder := identity.NewHolder(id)
	log.Printf("[main] serving %d client(s), decoy %s", len(cfg.Clients), id.CamouflageAddr)

	// Config edits swap the identity live; established connections keep the
	// snapshot they started with. Transport and outbound settings are wired
	// once at startup, so changes there only take effect on restart.
	rc.Watch(func(prev, next *config.Config) {
		if stale := config.RestartOnly(prev, next); len(stale) > 0 {
			log.Printf("[main] reload: %s changed; restart required for these to take effect",
				strings.Join(stale, ", "))
		}
		nid, err := next.Identity()
		if err != nil {
			log.Printf("[main] reload: identity rejected: %v", err)
			return
		}
		holder.Swap(nid)
		metrics.IncIdentityReloads()
		log.Printf("[main] identity reloaded")
	})

	if cfg.Metrics.Listen != "" {
		ws := metrics.NewWebServer(cfg.Metrics.Listen, cfg.Metrics.Pprof)
		if err := ws.Start(); err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		defer ws.Close()
		log.Printf("[main] metrics on http://%s/metrics", cfg.Metrics.Listen)
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, holder)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	select {
	case <-ctx.Done():
		log.Printf("[main] shutting down")
		return srv.Close()
	case err := <-errCh:
		return err
	}
}
