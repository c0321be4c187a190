// Package pprofutil starts the optional profiling endpoint the daemon
// exposes when asked to via the environment.
package pprofutil

import (
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultAddr = "127.0.0.1:6060"

var (
	startOnce sync.Once
	startErr  error
)

// StartFromEnv starts a pprof HTTP server when MESHCHAT_PPROF=1. The bind
// must stay on loopback unless MESHCHAT_PPROF_ALLOW_PUBLIC=1.
func StartFromEnv(log *zap.Logger) error {
	if strings.TrimSpace(os.Getenv("MESHCHAT_PPROF")) != "1" {
		return nil
	}
	startOnce.Do(func() {
		addr := strings.TrimSpace(os.Getenv("MESHCHAT_PPROF_ADDR"))
		if addr == "" {
			addr = defaultAddr
		}
		if strings.TrimSpace(os.Getenv("MESHCHAT_PPROF_ALLOW_PUBLIC")) != "1" && !isLoopbackBind(addr) {
			startErr = fmt.Errorf("MESHCHAT_PPROF_ADDR must be loopback unless MESHCHAT_PPROF_ALLOW_PUBLIC=1: %s", addr)
			return
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			startErr = fmt.Errorf("pprof listen failed: %w", err)
			return
		}
		if log != nil {
			log.Info("pprof enabled", zap.String("addr", ln.Addr().String()))
		}
		srv := &http.Server{
			Addr:              ln.Addr().String(),
			Handler:           http.DefaultServeMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			_ = srv.Serve(ln)
		}()
	})
	return startErr
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
