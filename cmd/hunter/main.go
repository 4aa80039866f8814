// Command hunter maintains a pool of verified proxy endpoints and serves
// them through local SOCKS5 listeners with automatic backend failover.
package main

import (
	"bufio"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bahmany/censorship-hunter-sub000/internal/balancer"
	"github.com/bahmany/censorship-hunter-sub000/internal/checker"
	"github.com/bahmany/censorship-hunter-sub000/internal/config"
	"github.com/bahmany/censorship-hunter-sub000/internal/engine"
	"github.com/bahmany/censorship-hunter-sub000/internal/frontend"
	"github.com/bahmany/censorship-hunter-sub000/internal/logging"
	"github.com/bahmany/censorship-hunter-sub000/internal/tunnel"
)

func main() {
	var cfgPath string
	root := &cobra.Command{
		Use:   "hunter",
		Short: "rotating SOCKS5 entry point over a self-maintaining proxy pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if cfgPath != "" {
				var err error
				if cfg, err = config.Load(cfgPath); err != nil {
					return err
				}
			}
			return run(cfg)
		},
	}
	root.Flags().StringVarP(&cfgPath, "config", "c", "", "path to YAML config")
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	log := logging.New(cfg.Debug)

	opts := checker.DefaultOptions()
	opts.MaxWorkers = pick(cfg.Checker.MaxWorkers, opts.MaxWorkers)
	opts.BatchSizeTunnel = pick(cfg.Checker.BatchSizeTunnel, opts.BatchSizeTunnel)
	opts.BatchSizeTCP = pick(cfg.Checker.BatchSizeTCP, opts.BatchSizeTCP)
	if cfg.Checker.PrimaryHost != "" {
		opts.Primary = checker.ProbeTarget{
			Host: cfg.Checker.PrimaryHost,
			Port: cfg.Checker.PrimaryPort,
			Path: cfg.Checker.PrimaryPath,
		}
	}
	if cfg.Checker.RestrictedHost != "" {
		opts.Restricted = checker.ProbeTarget{
			Host: cfg.Checker.RestrictedHost,
			Port: cfg.Checker.RestrictedPort,
			Path: cfg.Checker.RestrictedPath,
		}
	}
	opts.EgressURL = cfg.Checker.EgressURL

	// without a tunnel client binary the engine degrades to TCP-only
	// reachability checks and the front ends have nothing to serve
	var (
		compiler tunnel.Compiler
		runtime  tunnel.Runtime
		execRT   *tunnel.ExecRuntime
	)
	if cfg.Tunnel.Executable != "" {
		compiler = &tunnel.CommandCompiler{
			Exe:       cfg.Tunnel.Executable,
			Args:      cfg.Tunnel.Args,
			ConfigDir: cfg.Tunnel.ConfigDir,
		}
		execRT = tunnel.NewExecRuntime()
		runtime = execRT
	} else {
		log.Errorf("no tunnel executable configured, TCP-only fallback mode")
	}

	eng, err := engine.New(engine.Params{
		Logger:      log,
		Checker:     opts,
		Compiler:    compiler,
		Runtime:     runtime,
		PortStart:   cfg.Tunnel.PortStart,
		PortEnd:     cfg.Tunnel.PortEnd,
		MaxBackends: cfg.Pool.MaxBackends,
		Strategy:    balancer.ParseStrategy(cfg.Pool.Strategy),
		CacheTTL:    cfg.ResultTTL.Std(),
	})
	if err != nil {
		return err
	}

	loaded := 0
	for _, src := range cfg.Sources {
		loaded += eng.Load(readLines(log, src))
	}
	log.Printf("loaded %d candidates from %d sources", loaded, len(cfg.Sources))

	general := frontend.New(engine.TierGeneral, log, eng.General)
	restricted := frontend.New(engine.TierRestricted, log, eng.Restricted)
	go serveFrontend(log, general, cfg.Listen.General)
	go serveFrontend(log, restricted, cfg.Listen.Restricted)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// quit is separate from the signal channel: the signal is consumed
	// here, the loop only needs to know shutdown started
	quit := make(chan struct{})
	go verifyLoop(log, eng, cfg.ReverifyInterval.Std(), quit)

	<-stop
	log.Printf("shutting down")
	close(quit)
	_ = general.Close()
	_ = restricted.Close()
	eng.Stop()
	if execRT != nil {
		execRT.KillAll()
	}
	return nil
}

// verifyLoop runs the first verification pass immediately and then keeps
// the pool fresh on the configured interval until quit closes.
func verifyLoop(log logging.Logger, eng *engine.Engine, interval time.Duration, quit <-chan struct{}) {
	pass := func() {
		err := eng.RunPass()
		switch {
		case errors.Is(err, engine.ErrStopped):
			return
		case err != nil:
			log.Errorf("verification pass: %v", err)
			return
		}
		st := eng.Stats()
		log.Printf("pass complete: %d checked, %d valid, %d restricted-capable",
			st.Checked, st.Valid, st.Restricted)
	}
	pass()
	if interval <= 0 {
		return
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			pass()
		case <-quit:
			return
		}
	}
}

func serveFrontend(log logging.Logger, srv *frontend.Server, addr string) {
	if err := srv.ListenAndServe(addr); err != nil {
		log.Errorf("front end %s: %v", srv.Name, err)
	}
}

// readLines loads one proxy URI per line, ignoring blanks and comments.
func readLines(log logging.Logger, path string) []string {
	f, err := os.Open(path)
	if err != nil {
		log.Errorf("source %s: %v", path, err)
		return nil
	}
	defer func() { _ = f.Close() }()
	var out []string
	scan := bufio.NewScanner(f)
	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}

func pick(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
