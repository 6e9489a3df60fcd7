//go:build !tsnet

package cmd

import (
	"context"
	"net/http"

	"github.com/nextlevelbuilder/nexus/internal/config"
)

// initTailscale is compiled out of default builds. Build with -tags tsnet
// to embed the tailnet listener.
func initTailscale(ctx context.Context, cfg *config.Config, mux *http.ServeMux) func() {
	return nil
}
