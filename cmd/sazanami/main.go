// Command sazanami runs the transparent proxy: it brings up a TUN device,
// a fake-DNS resolver, the packet router, and the proxy dispatcher, and
// blocks until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sazanami/internal/core"
	"sazanami/internal/fakedns"
	"sazanami/internal/ipam"
	"sazanami/internal/provider"
	"sazanami/internal/provider/direct"
	"sazanami/internal/provider/shadowsocks"
	"sazanami/internal/provider/socks5"
	"sazanami/internal/proxy"
	"sazanami/internal/router"
	"sazanami/internal/rules"
	"sazanami/internal/session"
	"sazanami/internal/tun"
)

// Build info — injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("sazanami %s (commit=%s)\n", version, commit)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		log.Fatalf("[Core] Fatal: %v", err)
	}
}

func run(configPath string) error {
	// === 1. Core components ===
	bus := core.NewEventBus()

	cfgManager := core.NewConfigManager(configPath, bus)
	if err := cfgManager.Load(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := cfgManager.Get()

	core.Log = core.NewLogger(cfg.Logging)
	core.Log.Infof("Core", "sazanami %s starting...", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// === 2. IP pool + Domain↔IP store ===
	tunIP, err := netip.ParseAddr(cfg.Tun.IP)
	if err != nil {
		return fmt.Errorf("%w: tun.ip %q: %v", core.ErrConfigInvalid, cfg.Tun.IP, err)
	}
	cidr, err := netip.ParsePrefix(cfg.Tun.CIDR)
	if err != nil {
		return fmt.Errorf("%w: tun.cidr %q: %v", core.ErrConfigInvalid, cfg.Tun.CIDR, err)
	}

	pool, err := ipam.NewPool(cfg.Tun.CIDR, tunIP)
	if err != nil {
		return fmt.Errorf("build ip pool: %w", err)
	}
	store := ipam.NewStore(pool)

	// === 3. Rule engine ===
	engine, err := rules.NewEngine(cfg.Rules, cfg.GeoIPPath)
	if err != nil {
		return fmt.Errorf("build rule engine: %w", err)
	}
	bus.Subscribe(core.EventRuleUpdated, func(e core.Event) {
		if p, ok := e.Payload.(core.RulePayload); ok {
			if reloaded, err := rules.NewEngine(p.Rules, cfg.GeoIPPath); err != nil {
				core.Log.Warnf("Core", "rule reload rejected: %v", err)
			} else {
				engine = reloaded
			}
		}
	})

	// === 4. Session Manager ===
	sessions := session.New()
	sessions.StartTimestampUpdater(ctx)
	sessions.StartTCPCleanup(ctx)
	sessions.StartUDPCleanup(ctx)

	// === 5. TUN device ===
	dev, err := tun.Open(cfg.Tun.Name, tunIP, cidr)
	if err != nil {
		return fmt.Errorf("open tun: %w", err)
	}
	defer dev.Close()

	// === 6. Egress provider registry ===
	registry := provider.NewRegistry()
	registry.Register("DIRECT", direct.New())
	for _, p := range cfg.Proxies {
		prov, err := buildProvider(p)
		if err != nil {
			return fmt.Errorf("build proxy %q: %w", p.Name, err)
		}
		registry.Register(p.Name, prov)
	}
	// Proxy connect failures are logged (by ConnectAll) but not fatal — only
	// TUN/listener acquisition is, per the propagation policy.
	registry.ConnectAll(ctx)
	defer registry.DisconnectAll()

	// === 7. Router (TUN packet half) ===
	rtr := router.New(dev, sessions, cfg.Port, cfg.Port)
	go func() {
		if err := rtr.Run(ctx); err != nil {
			core.Log.Errorf("ROUTER", "read loop stopped: %v", err)
			cancel()
		}
	}()

	// === 8. Fake-DNS server ===
	dnsSrv := fakedns.New(store, cfg.DNS.Upstream, cfg.DNS.Timeout.Std(), cfg.DNS.ListenAt)
	go func() {
		if err := dnsSrv.Run(ctx); err != nil && ctx.Err() == nil {
			core.Log.Errorf("FAKEDNS", "listener stopped: %v", err)
			cancel()
		}
	}()

	// === 9. Proxy dispatcher ===
	dispatcher := proxy.New(proxy.Config{
		ListenIP:       tunIP,
		TCPPort:        cfg.Port,
		UDPPort:        cfg.Port,
		Upstreams:      cfg.DNS.Upstream,
		ConnectTimeout: cfg.ConnectTimeout.Std(),
		ConnectRetries: cfg.ConnectRetries,
		ReadTimeout:    cfg.ReadTimeout.Std(),
		WriteTimeout:   cfg.WriteTimeout.Std(),
	}, sessions, store, engine, registry)
	go func() {
		if err := dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
			core.Log.Errorf("DISPATCHER", "stopped: %v", err)
			cancel()
		}
	}()

	// === 10. GC: releases expired fake-IP bindings at an interval equal to
	// the synthesized TTL, per the store's own reclaim policy. ===
	go func() {
		ticker := time.NewTicker(fakedns.FakeTTL)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := store.GC(now); n > 0 {
					core.Log.Debugf("IPAM", "gc reclaimed %d binding(s)", n)
				}
			}
		}
	}()

	// === 11. System side effect: prepend our fake-DNS listener so local
	// resolvers query it first. Not reverted on shutdown — see DESIGN.md. ===
	if err := prependResolvConf(cfg.DNS.ListenAt); err != nil {
		core.Log.Warnf("Core", "could not update /etc/resolv.conf: %v", err)
	}

	core.Log.Infof("Core", "running on %s (%s); press Ctrl+C to stop", dev.Name(), cfg.Tun.CIDR)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		core.Log.Infof("Core", "received %s, shutting down", s)
	case <-ctx.Done():
		core.Log.Infof("Core", "context canceled, shutting down")
	}

	cancel()
	done := make(chan struct{})
	go func() {
		registry.DisconnectAll()
		dev.Close()
		close(done)
	}()
	select {
	case <-done:
		core.Log.Infof("Core", "shutdown complete")
	case <-time.After(10 * time.Second):
		core.Log.Errorf("Core", "shutdown timed out, forcing exit")
		os.Exit(1)
	}

	return nil
}

// buildProvider constructs the egress provider named by a Server Descriptor,
// dispatching on its declared protocol.
func buildProvider(p core.ProxyServer) (provider.Provider, error) {
	switch p.Protocol {
	case "socks5":
		return socks5.New(p.Name, socks5.Config{
			Endpoint:    p.Endpoint,
			Username:    p.Username,
			Password:    p.Password,
			SupportsUDP: p.SupportsUDP,
		})
	case "shadowsocks":
		return shadowsocks.New(p.Name, shadowsocks.Config{
			Endpoint: p.Endpoint,
			Method:   p.Method,
			Password: p.Password,
		})
	default:
		return nil, fmt.Errorf("%w: unknown proxy protocol %q", core.ErrConfigInvalid, p.Protocol)
	}
}

// prependResolvConf adds listenAt's host as the first nameserver in
// /etc/resolv.conf, so the system queries the fake-DNS resolver before any
// other configured server. Per spec, this is not reverted on shutdown.
func prependResolvConf(listenAt string) error {
	host, _, err := splitHostPort(listenAt)
	if err != nil {
		return err
	}

	const path = "/etc/resolv.conf"
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	line := fmt.Sprintf("nameserver %s\n", host)
	return os.WriteFile(path, append([]byte(line), existing...), 0644)
}

func splitHostPort(addr string) (string, string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", "", fmt.Errorf("%w: dns.listen_at %q: %v", core.ErrConfigInvalid, addr, err)
	}
	return host, port, nil
}
