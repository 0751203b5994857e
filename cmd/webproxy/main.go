// Command webproxy runs the forward MITM proxy: it accepts client
// connections, forwards plain HTTP directly, and terminates HTTPS CONNECT
// tunnels with a locally minted leaf certificate so traffic can be framed,
// sniffed for credentials, and logged.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/webproxy/webproxy/pkg/engine"
	"github.com/webproxy/webproxy/pkg/listener"
	"github.com/webproxy/webproxy/pkg/mitmca"
	"github.com/webproxy/webproxy/pkg/sniffer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "webproxy:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		host       = pflag.String("host", "0.0.0.0", "address to listen on")
		port       = pflag.Int("port", 8080, "port to listen on")
		backlog    = pflag.Int("backlog", 100, "maximum pending connection backlog")
		caDir      = pflag.String("ca-dir", "./openssl", "directory holding CA material and minted leaf certs")
		caCertFile = pflag.String("ca-cert", "RootCA.crt", "CA certificate filename, relative to --ca-dir")
		caKeyFile  = pflag.String("ca-key", "RootCA.key", "CA private key filename, relative to --ca-dir")
		credDir    = pflag.String("cred-dir", "./passwords", "directory holding captured credentials")
		credFile   = pflag.String("cred-file", "passwords.json", "captured-credential filename, relative to --cred-dir")
		bufSize    = pflag.Int64("buffer", 0, "in-memory limit, in bytes, for a chunked body before it spills to disk (0 selects the default)")
		devMode    = pflag.Bool("dev", false, "use a human-readable development logger instead of JSON")
	)
	pflag.Parse()

	log, err := buildLogger(*devMode)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	ca, err := mitmca.LoadCA(
		filepath.Join(*caDir, *caCertFile),
		filepath.Join(*caDir, *caKeyFile),
		*caDir,
		log.Named("mitmca"),
	)
	if err != nil {
		return fmt.Errorf("load CA: %w", err)
	}

	snf, err := sniffer.New(*credDir, *credFile, log.Named("sniffer"))
	if err != nil {
		return fmt.Errorf("open credential sink: %w", err)
	}

	eng := engine.New(ca, snf, log.Named("engine"), *bufSize)

	addr := fmt.Sprintf("%s:%d", *host, *port)
	ln, err := listener.New(addr, *backlog, eng, log.Named("listener"))
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("listening", zap.String("addr", ln.Addr().String()))
	return ln.Serve(ctx)
}

func buildLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
