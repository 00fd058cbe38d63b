// Package telemetry posts heartbeat events to the fleet endpoint so
// operations can spot dark or struggling screens without visiting them.
// Heartbeats are fire-and-forget: a delivery failure marks the status
// registry and never touches playback.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/doohlabs/kioskd/internal/config"
	"github.com/doohlabs/kioskd/internal/httpx"
	"github.com/doohlabs/kioskd/internal/metrics"
	"github.com/doohlabs/kioskd/internal/status"
)

// Heartbeat types.
const (
	TypeStartup     = "startup"
	TypeHealthcheck = "healthcheck"
	TypePlaylist    = "playlist"
	TypeMediaFetch  = "media_fetch"
)

// Heartbeat statuses.
const (
	StatusOK      = "ok"
	StatusWarning = "warning"
	StatusError   = "error"
)

// tokenHeader carries the fleet ingest credential.
const tokenHeader = "x-interact-telemetry-token"

// Plays supplies the plays-last-hour metric from the proof-of-play
// journal. A nil Plays omits the field.
type Plays interface {
	PlaysSince(t time.Time) (int, error)
}

// Heartbeat is one event to deliver.
type Heartbeat struct {
	Type         string
	Status       string
	Notes        string
	ErrorCode    string
	ErrorMessage string
}

// Deps wires the client's collaborators.
type Deps struct {
	Config func() config.Config
	Status *status.Registry
	Plays  Plays // optional
	Logger zerolog.Logger
}

// Client builds and posts heartbeats. The session id is minted once per
// boot so the backend can stitch a device's events together.
type Client struct {
	deps    Deps
	session string
	http    *http.Client
}

// NewClient mints the boot session id.
func NewClient(deps Deps) *Client {
	return &Client{deps: deps, session: uuid.NewString(), http: httpx.Default()}
}

type payloadMetrics struct {
	UptimeSeconds  int64 `json:"uptimeSeconds"`
	PreloadSize    int   `json:"preloadSize"`
	PendingEntries int   `json:"pendingEntries"`
	PlaysLastHour  *int  `json:"playsLastHour,omitempty"`
}

type payload struct {
	EnvironmentID       string         `json:"environmentId"`
	StationID           string         `json:"stationId,omitempty"`
	SessionID           string         `json:"sessionId"`
	Status              string         `json:"status"`
	HeartbeatType       string         `json:"heartbeatType"`
	ClientTimestamp     int64          `json:"clientTimestamp"`
	PlaylistSize        int            `json:"playlistSize"`
	ActiveCampaignName  *string        `json:"activeCampaignName"`
	NextCampaignName    *string        `json:"nextCampaignName"`
	Rotation            int            `json:"rotation"`
	Metrics             payloadMetrics `json:"metrics"`
	Notes               string         `json:"notes,omitempty"`
	ErrorCode           string         `json:"errorCode,omitempty"`
	ErrorMessage        string         `json:"errorMessage,omitempty"`
	ConsecutiveFailures int            `json:"consecutiveFailures"`
}

// Send posts hb. It reports false when telemetry is disabled, no URL is
// configured, or the POST did not go out; the response status is not
// inspected, matching the ingest endpoint's accept-anything contract.
func (c *Client) Send(ctx context.Context, hb Heartbeat) bool {
	cfg := c.deps.Config()
	if !cfg.TelemetryEnabled || cfg.TelemetryURL == "" {
		return false
	}

	snap := c.deps.Status.Snapshot()
	body, err := json.Marshal(c.buildPayload(cfg, snap, hb))
	if err != nil {
		return false
	}

	timeout := time.Duration(cfg.TelemetryTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TelemetryURL, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.TelemetryToken != "" {
		req.Header.Set(tokenHeader, cfg.TelemetryToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.deps.Logger.Warn().Str("event", "telemetry.send_failed").
			Str("type", hb.Type).Err(err).Msg("heartbeat not delivered")
		metrics.IncTelemetry(false)
		return false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	metrics.IncTelemetry(true)
	return true
}

func (c *Client) buildPayload(cfg config.Config, snap status.Snapshot, hb Heartbeat) payload {
	p := payload{
		EnvironmentID:       cfg.EnvironmentID,
		StationID:           cfg.StationID,
		SessionID:           c.session,
		Status:              hb.Status,
		HeartbeatType:       hb.Type,
		ClientTimestamp:     time.Now().UnixMilli(),
		PlaylistSize:        snap.PlaylistSize,
		Rotation:            cfg.RotationDeg,
		Notes:               hb.Notes,
		ErrorCode:           hb.ErrorCode,
		ErrorMessage:        hb.ErrorMessage,
		ConsecutiveFailures: snap.ConsecutiveFailures,
	}
	if snap.CurrentItem != nil {
		name := snap.CurrentItem.CampaignName
		p.ActiveCampaignName = &name
	}
	if snap.NextItem != nil {
		name := snap.NextItem.CampaignName
		p.NextCampaignName = &name
	}
	p.Metrics = payloadMetrics{
		UptimeSeconds:  snap.UptimeSec,
		PendingEntries: 0,
	}
	if snap.NextItem != nil && snap.NextItem.Path != "" {
		p.Metrics.PreloadSize = 1
	}
	if c.deps.Plays != nil {
		if n, err := c.deps.Plays.PlaysSince(time.Now().Add(-time.Hour)); err == nil {
			p.Metrics.PlaysLastHour = &n
		}
	}
	return p
}

// healthStatus maps consecutive poll failures onto a heartbeat status.
func healthStatus(failures int) string {
	switch {
	case failures >= 3:
		return StatusError
	case failures > 0:
		return StatusWarning
	default:
		return StatusOK
	}
}

// Worker sends the startup heartbeat and then a healthcheck every
// telemetry_interval_sec.
type Worker struct {
	client *Client
}

// NewWorker wraps client in the periodic sender.
func NewWorker(client *Client) *Worker {
	return &Worker{client: client}
}

// Run returns immediately when telemetry is disabled; otherwise it sends
// until ctx ends. The interval is fixed at boot.
func (w *Worker) Run(ctx context.Context) error {
	cfg := w.client.deps.Config()
	if !cfg.TelemetryEnabled || cfg.TelemetryURL == "" || cfg.TelemetryIntervalSec <= 0 {
		return nil
	}
	interval := time.Duration(cfg.TelemetryIntervalSec) * time.Second

	if !w.client.Send(ctx, Heartbeat{Type: TypeStartup, Status: StatusOK, Notes: "startup"}) {
		w.markError()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		snap := w.client.deps.Status.Snapshot()
		hb := Heartbeat{
			Type:   TypeHealthcheck,
			Status: healthStatus(snap.ConsecutiveFailures),
			Notes:  "healthcheck",
		}
		if snap.ConsecutiveFailures > 0 {
			hb.ErrorCode = "media_fetch_failed"
			hb.ErrorMessage = snap.LastPollError
		}
		if !w.client.Send(ctx, hb) {
			w.markError()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (w *Worker) markError() {
	at := status.Now()
	w.client.deps.Status.Set(func(st *status.Snapshot) { st.LastTelemetryError = at })
}
