// Package ui serves the kiosk's local configuration page, plus the
// status, health and metrics endpoints, on config_ui_bind:config_ui_port.
// The server is best-effort: when it cannot bind, the agent keeps
// playing without it.
package ui

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/net/netutil"

	"github.com/doohlabs/kioskd/internal/config"
	"github.com/doohlabs/kioskd/internal/status"
)

// Player applies live settings on the running player. *player.Player
// satisfies it.
type Player interface {
	SetProperty(name string, value any) bool
}

// Refresher triggers an immediate playlist poll. *poller.Poller
// satisfies it.
type Refresher interface {
	PollNow()
}

// Deps wires the UI server.
type Deps struct {
	Manager *config.Manager
	Status  *status.Registry
	Player  Player    // optional
	Poller  Refresher // optional
	Logger  zerolog.Logger
}

// Server is the local config UI.
type Server struct {
	deps Deps
}

// New builds the server; Run listens.
func New(deps Deps) *Server {
	return &Server{deps: deps}
}

const (
	maxConns        = 16
	requestsPerMin  = 120
	shutdownTimeout = 3 * time.Second
)

// Run serves until ctx ends. A disabled UI returns nil immediately and
// a bind failure is logged and swallowed; the screen must not go dark
// over a port squabble.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.deps.Manager.Snapshot()
	if !cfg.ConfigUIEnabled {
		return nil
	}
	addr := net.JoinHostPort(cfg.ConfigUIBind, strconv.Itoa(cfg.ConfigUIPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.deps.Logger.Warn().Str("event", "ui.unavailable").
			Str("addr", addr).Err(err).Msg("config ui could not bind")
		return nil
	}
	ln = netutil.LimitListener(ln, maxConns)

	srv := &http.Server{
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	s.deps.Logger.Info().Str("event", "ui.listening").
		Str("url", "http://"+addr).Msg("config ui available")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(httprate.Limit(requestsPerMin, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
	r.Get("/", s.handleForm)
	r.Post("/save", s.handleSave)
	r.Get("/status.json", s.handleStatus)
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

var formTmpl = template.Must(template.New("form").Parse(`<!doctype html>
<html lang="en"><head>
<meta charset="utf-8">
<title>kioskd config</title>
<style>
body{font-family:Arial,Helvetica,sans-serif;margin:24px;background:#111;color:#eee;}
label{display:block;margin:12px 0 6px;}
input,select,button{font-size:16px;padding:8px;border-radius:6px;border:1px solid #444;background:#1b1b1b;color:#eee;}
button{cursor:pointer;background:#2b7a78;border-color:#2b7a78;}
.small{font-size:12px;color:#aaa;}
</style></head><body>
<h2>Kiosk configuration</h2>
<form method="POST" action="/save">
<label>Environment ID</label>
<input name="environment_id" value="{{.EnvironmentID}}" style="width:420px">
<label>Rotation</label>
<select name="rotation_deg">
{{range .Rotations}}  <option value="{{.Value}}"{{if .Selected}} selected{{end}}>{{.Value}}&deg;</option>
{{end}}</select>
<div style="margin-top:16px"><button type="submit">Save</button></div>
<p class="small">Saving applies the rotation right away and refreshes the campaign list.</p>
</form>
</body></html>
`))

const savedHTML = `<!doctype html><html><head><meta charset="utf-8">
<title>Saved</title></head><body>
<p>Configuration saved.</p>
<script>setTimeout(() => window.close(), 800);</script>
</body></html>
`

type rotationOption struct {
	Value    int
	Selected bool
}

type formData struct {
	EnvironmentID string
	Rotations     []rotationOption
}

func (s *Server) handleForm(w http.ResponseWriter, r *http.Request) {
	cfg := s.deps.Manager.Snapshot()
	data := formData{EnvironmentID: cfg.EnvironmentID}
	for _, deg := range []int{0, 90, 180, 270} {
		data.Rotations = append(data.Rotations, rotationOption{
			Value:    deg,
			Selected: deg == cfg.RotationDeg,
		})
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := formTmpl.Execute(w, data); err != nil {
		s.deps.Logger.Warn().Str("event", "ui.render_failed").Err(err).Msg("form render failed")
	}
}

// handleSave persists environment_id and rotation_deg, live-applies the
// rotation and kicks an immediate poll. A blank environment id keeps
// the configured one.
func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	envID := strings.TrimSpace(r.PostFormValue("environment_id"))
	rotation, _ := strconv.Atoi(strings.TrimSpace(r.PostFormValue("rotation_deg")))

	next, err := s.deps.Manager.Update(func(c *config.Config) {
		if envID != "" {
			c.EnvironmentID = envID
		}
		c.RotationDeg = rotation
	})
	if err != nil {
		s.deps.Logger.Error().Str("event", "ui.save_failed").Err(err).Msg("config save failed")
		http.Error(w, "could not save configuration", http.StatusInternalServerError)
		return
	}

	if s.deps.Player != nil {
		s.deps.Player.SetProperty("video-rotate", next.RotationDeg)
	}
	if s.deps.Poller != nil {
		s.deps.Poller.PollNow()
	}
	s.deps.Logger.Info().Str("event", "ui.saved").
		Str("environment_id", next.EnvironmentID).
		Int("rotation_deg", next.RotationDeg).Msg("configuration saved")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, savedHTML)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(s.deps.Status.Snapshot())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok\n")
}
