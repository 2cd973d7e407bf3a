package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/netstack/tcpip/header"
	"github.com/peterbourgon/ff/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vtcp/pkg/ipstack"
	"vtcp/pkg/iptcpstack"
	"vtcp/pkg/linkaddr"
	"vtcp/pkg/lnxconfig"
	"vtcp/pkg/repl"
)

func main() {
	fs := flag.NewFlagSet("vhost", flag.ExitOnError)
	var (
		configPath  = fs.String("config", "", "host config file (YAML)")
		metricsAddr = fs.String("metrics-addr", "", "serve Prometheus metrics on this address")
		verbose     = fs.Bool("v", false, "log debug output to stderr")
	)
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("VHOST")); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *configPath == "" {
		fmt.Fprintf(os.Stderr, "Usage:  %s --config <config file>\n", os.Args[0])
		os.Exit(2)
	}

	logger := zap.NewNop()
	if *verbose {
		var err error
		if logger, err = zap.NewDevelopment(); err != nil {
			panic(err)
		}
	}
	defer logger.Sync()

	if err := run(*configPath, *metricsAddr, logger); err != nil {
		logger.Error("vhost exited", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, metricsAddr string, logger *zap.Logger) error {
	cfg, err := lnxconfig.ParseConfig(configPath)
	if err != nil {
		return err
	}
	ipStack, err := ipstack.InitializeStack(cfg, logger.Named("ip"))
	if err != nil {
		return err
	}
	defer ipStack.Close()

	cache := linkaddr.New(cfg.TCP.LinkAddrAgeLimit, cfg.TCP.ResolutionTimeout)
	for _, n := range ipStack.Neighbors {
		cache.AddStatic(n.DestAddr, n.LinkAddr)
	}
	go cache.Start()
	defer cache.Stop()
	ipStack.SetLearner(cache)

	reg := prometheus.NewRegistry()
	metrics, err := iptcpstack.NewMetrics(reg)
	if err != nil {
		return err
	}

	host := iptcpstack.NewHost(ipStack, iptcpstack.TCPOptions{ReceiveWindowSize: cfg.TCP.ReceiveWindow})
	defer host.Shutdown()
	tcpStack := iptcpstack.InitializeTCP(ipStack.LocalAddr(), host, cache,
		iptcpstack.WithLogger(logger.Named("tcp")),
		iptcpstack.WithMetrics(metrics))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ipStack.Run(ctx, func(ip header.IPv4) error {
			return tcpStack.TCPPacketHandler(ip)
		})
	})
	if metricsAddr != "" {
		srv := &http.Server{
			Addr:    metricsAddr,
			Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
	}
	// The REPL blocks on stdin, so it stays outside the group.
	go func() {
		r := &repl.Repl{IP: ipStack, TCP: tcpStack, Backlog: cfg.TCP.Backlog}
		if err := r.StartRepl(ctx, os.Stdin, os.Stdout); err != nil {
			logger.Warn("repl", zap.Error(err))
		}
		stop()
	}()
	return g.Wait()
}
