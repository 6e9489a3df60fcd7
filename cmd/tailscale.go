//go:build tsnet

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/nexus/internal/config"
)

// initTailscale serves the gateway mux on an embedded tailnet node so the
// main listener can stay bound to localhost. Returns a cleanup func, or nil
// when no hostname is configured or the node fails to come up. The auth key
// comes from NEXUS_TSNET_AUTH_KEY; without one the join URL is logged.
func initTailscale(ctx context.Context, cfg *config.Config, mux *http.ServeMux) func() {
	ts := cfg.Tailscale
	if ts.Hostname == "" {
		return nil
	}

	srv := &tsnet.Server{
		Hostname:  ts.Hostname,
		Dir:       config.ExpandHome(ts.StateDir),
		AuthKey:   ts.AuthKey,
		Ephemeral: ts.Ephemeral,
		UserLogf: func(format string, args ...any) {
			slog.Info("tsnet: " + fmt.Sprintf(format, args...))
		},
		Logf: func(format string, args ...any) {
			slog.Debug("tsnet: " + fmt.Sprintf(format, args...))
		},
	}

	var (
		ln  net.Listener
		err error
	)
	if ts.EnableTLS {
		ln, err = srv.ListenTLS("tcp", ":443")
	} else {
		ln, err = srv.Listen("tcp", ":80")
	}
	if err != nil {
		slog.Error("tailscale listen failed", "hostname", ts.Hostname, "error", err)
		srv.Close()
		return nil
	}

	go func() {
		if serveErr := http.Serve(ln, mux); serveErr != nil && ctx.Err() == nil {
			slog.Error("tailscale serve", "error", serveErr)
		}
	}()

	slog.Info("tailscale listener active", "hostname", ts.Hostname, "tls", ts.EnableTLS)

	return func() {
		ln.Close()
		srv.Close()
	}
}
