// Package dashboard is an expansion over spec.md: a tiny, optional,
// read-only HTTP surface over the history store and the latest reports.
// Off by default; gated by Basic Auth and an optional IP allowlist. It
// never writes to the report directory or the history store.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/localrivet/wilduri"

	"compose-guardian/internal/config"
	"compose-guardian/internal/history"
	"compose-guardian/internal/logx"
)

var pageTmpl = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html><head><title>Compose Guardian</title></head>
<body>
<h1>Compose Guardian</h1>
<h2>Recent runs</h2>
<table border="1" cellpadding="4">
<tr><th>Compose path</th><th>Run</th><th>Status</th><th>Changed</th><th>Verify OK</th><th>Rollback OK</th></tr>
{{range .Rows}}<tr>
<td>{{.ComposePath}}</td><td>{{.RunTimestamp}}</td><td>{{.Status}}</td>
<td>{{.ChangedCount}}</td><td>{{.VerifyOkStr}}</td><td>{{.RollbackVerifyOkStr}}</td>
</tr>{{end}}
</table>
</body></html>
`))

// Server is the dashboard's HTTP surface. Build with New, then Start.
type Server struct {
	cfg     config.Config
	history *history.Store
	reportDir string
	log     logx.Logger
	router  *router
}

// New wires a Server reading from store and the reports under reportDir.
// store may be nil, in which case the recent-runs table is always empty.
func New(cfg config.Config, store *history.Store, reportDir string, log logx.Logger) *Server {
	s := &Server{cfg: cfg, history: store, reportDir: reportDir, log: log}
	s.router = newRouter()
	s.router.handle("GET /dashboard", s.withMiddleware(s.handleIndex))
	s.router.handle("GET /api/latest", s.withMiddleware(s.handleLatest))
	s.router.handle("GET /api/history", s.withMiddleware(s.handleHistoryJSON))
	return s
}

// Start runs the dashboard server; blocks until the listener fails or ctx
// is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if !s.cfg.DashboardEnabled {
		if s.log != nil {
			s.log.Info("dashboard disabled")
		}
		return nil
	}
	if s.cfg.DashboardUser == "" || s.cfg.DashboardPassword == "" {
		return fmt.Errorf("DASHBOARD_USER and DASHBOARD_PASS must both be set when the dashboard is enabled")
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.DashboardPort),
		Handler: s.router,
	}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if s.log != nil {
		s.log.Info("dashboard listening on %s", srv.Addr)
	}
	return srv.ListenAndServe()
}

func (s *Server) withMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return ipWhitelist(s.cfg.DashboardIPWhitelist, basicAuth(s.cfg.DashboardUser, s.cfg.DashboardPassword, next))
}

type rowView struct {
	ComposePath          string
	RunTimestamp         string
	Status               string
	ChangedCount         int
	VerifyOkStr          string
	RollbackVerifyOkStr  string
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var rows []rowView
	if s.history != nil {
		recent, err := s.history.Recent(r.Context(), 100)
		if err == nil {
			for _, row := range recent {
				rows = append(rows, rowView{
					ComposePath:         row.ComposePath,
					RunTimestamp:        row.RunTimestamp,
					Status:              row.Status,
					ChangedCount:        row.ChangedCount,
					VerifyOkStr:         optBoolStr(row.VerifyOk),
					RollbackVerifyOkStr: optBoolStr(row.RollbackVerifyOk),
				})
			}
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	pageTmpl.Execute(w, map[string]interface{}{"Rows": rows})
}

func optBoolStr(b *bool) string {
	if b == nil {
		return "-"
	}
	if *b {
		return "yes"
	}
	return "no"
}

// handleLatest serves the report directory's latest.json verbatim.
func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(filepath.Join(s.reportDir, "latest.json"))
	if err != nil {
		http.Error(w, "no report yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleHistoryJSON(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "history store not configured", http.StatusServiceUnavailable)
		return
	}
	rows, err := s.history.Recent(r.Context(), 200)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rows)
}

// basicAuth gates a handler behind HTTP Basic Auth.
func basicAuth(user, pass string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="compose-guardian"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// ipWhitelist restricts a handler to a single allowed remote address; an
// empty whitelist disables the check.
func ipWhitelist(allowed string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if allowed != "" {
			remoteIP, _, _ := net.SplitHostPort(r.RemoteAddr)
			if remoteIP != allowed {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}
		next(w, r)
	}
}

// router is a minimal "METHOD /path" mux using wilduri for pattern
// matching, so subpaths with parameters (not used today, but kept for
// parity with the pattern this package was adapted from) are cheap to add.
type router struct {
	routes map[string]http.HandlerFunc
}

func newRouter() *router {
	return &router{routes: make(map[string]http.HandlerFunc)}
}

func (rt *router) handle(pattern string, handler http.HandlerFunc) {
	rt.routes[pattern] = handler
}

func (rt *router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	for pattern, handler := range rt.routes {
		method, route := "GET", pattern
		if sp := strings.Index(pattern, " "); sp > 0 {
			method, route = pattern[:sp], pattern[sp+1:]
		}
		if req.Method != method {
			continue
		}
		tmpl, err := wilduri.New(route)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid route pattern: %v", err), http.StatusInternalServerError)
			return
		}
		if params, matched := tmpl.Match(req.URL.Path); matched {
			ctx := req.Context()
			for k, v := range params {
				ctx = context.WithValue(ctx, routeParamKey(k), v)
			}
			handler(w, req.WithContext(ctx))
			return
		}
	}
	http.NotFound(w, req)
}

type routeParamKey string
