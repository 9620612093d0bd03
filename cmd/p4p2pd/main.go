// Command p4p2pd runs a single DHT node: it loads configuration, brings up
// the UDP transport and routing table, optionally joins a bootstrap peer,
// serves Prometheus metrics, and drops into a put/get REPL.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/ntoll/p4p2p-core/dht"
	"github.com/ntoll/p4p2p-core/internal/config"
	"github.com/ntoll/p4p2p-core/internal/logging"
	"github.com/ntoll/p4p2p-core/internal/metrics"
	"github.com/ntoll/p4p2p-core/internal/signer"
	"github.com/ntoll/p4p2p-core/internal/transport"
)

func main() {
	app := &cli.App{
		Name:  "p4p2pd",
		Usage: "run a p4p2p DHT node",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "p4p2pd.toml", Usage: "path to TOML config file"},
			&cli.StringFlag{Name: "addr", Usage: "override listen_addr"},
			&cli.StringFlag{Name: "bootstrap", Usage: "host:port of a peer to join"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "p4p2pd:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		if loaded, err := config.Load(path); err == nil {
			cfg = loaded
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if addr := c.String("addr"); addr != "" {
		cfg.ListenAddr = addr
	}

	log := logging.New(cfg.LogLevel, cfg.LogPretty)

	kp, err := signer.LoadOrGenerate(cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("loading keypair: %w", err)
	}
	host, port, err := splitHostPort(cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen_addr: %w", err)
	}
	me := dht.NewContact(kp.PublicKeyPEM, host, port, dht.ProtocolVersion)

	reg := prometheus.NewRegistry()
	mtr := metrics.New(reg)

	node := dht.NewNode(me, kp.Private, dht.WithLogger(log), dht.WithMetrics(mtr))
	defer node.Close()

	tr, err := transport.Listen(cfg.ListenAddr, me, kp.Private, node,
		transport.WithLogger(log), transport.WithMetrics(mtr))
	if err != nil {
		return fmt.Errorf("starting transport: %w", err)
	}
	defer tr.Close()
	node.SetTransport(tr)

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, reg, log)
	}

	if bootstrap := c.String("bootstrap"); bootstrap != "" {
		if err := joinBootstrap(node, bootstrap); err != nil {
			log.Warn().Err(err).Msg("bootstrap join failed")
		}
	}

	log.Info().Str("id", me.NetworkID.String()).Str("addr", cfg.ListenAddr).Msg("node up")
	fmt.Println("commands: put <text> | get <128-hex-key> | exit")

	quit := make(chan struct{}, 1)
	r := newREPL(node, os.Stdin, os.Stdout, func() { quit <- struct{}{} })
	if err := r.run(); err != nil {
		log.Error().Err(err).Msg("repl exited with error")
	}
	<-quit
	return nil
}

func joinBootstrap(node *dht.Node, addr string) error {
	host, port, err := splitHostPort(addr)
	if err != nil {
		return fmt.Errorf("bootstrap address: %w", err)
	}
	bootstrap := dht.Contact{IPAddress: host, Port: port}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return node.Join(ctx, bootstrap)
}

func serveMetrics(addr string, reg *prometheus.Registry, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn().Err(err).Msg("metrics server stopped")
	}
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return host, port, nil
}
