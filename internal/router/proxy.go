package router

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Handler serves every incoming request by Host-header dispatch against
// the routing table (spec.md §4.4).
type Handler struct {
	table *Table
	quar  *quarantine
	log   zerolog.Logger
}

func NewHandler(table *Table, quar *quarantine, log zerolog.Logger) *Handler {
	return &Handler{table: table, quar: quar, log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	if host == "" {
		http.Error(w, "missing Host header", http.StatusBadRequest)
		return
	}

	route, ok := h.table.Lookup(host)
	if !ok {
		http.Error(w, "no route for host", http.StatusNotFound)
		return
	}

	if route.IsStatic {
		h.serveStatic(w, r, route)
		return
	}

	if !h.quar.isHealthy(route.Port) {
		http.Error(w, "service quarantined", http.StatusServiceUnavailable)
		return
	}
	h.serveProxy(w, r, route)
}

func (h *Handler) serveProxy(w http.ResponseWriter, r *http.Request, route Route) {
	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", route.Port)}
	proxy := httputil.NewSingleHostReverseProxy(target)

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.Header.Set("X-Forwarded-For", r.RemoteAddr)
		req.Header.Set("X-Forwarded-Proto", forwardedProto(r))
		req.Header.Set("X-Forwarded-Host", r.Host)
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		h.log.Warn().Err(err).Str("deployment_id", route.DeploymentID).Msg("proxy backend unreachable")
		http.Error(w, "backend unreachable", http.StatusBadGateway)
	}
	proxy.ServeHTTP(w, r)
}

func forwardedProto(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// serveStatic serves files out of route.StaticPath with traversal
// protection and optional SPA fallback (spec.md §4.4).
func (h *Handler) serveStatic(w http.ResponseWriter, r *http.Request, route Route) {
	clean := filepath.Clean("/" + r.URL.Path)
	full := filepath.Join(route.StaticPath, clean)

	if !strings.HasPrefix(full, filepath.Clean(route.StaticPath)+string(filepath.Separator)) && full != filepath.Clean(route.StaticPath) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	info, err := os.Stat(full)
	if err == nil && info.IsDir() {
		full = filepath.Join(full, "index.html")
		info, err = os.Stat(full)
	}

	if err != nil || info.IsDir() {
		if route.SPAFallback {
			index := filepath.Join(route.StaticPath, "index.html")
			if _, ierr := os.Stat(index); ierr == nil {
				http.ServeFile(w, r, index)
				return
			}
		}
		http.NotFound(w, r)
		return
	}

	http.ServeFile(w, r, full)
}
