// Package api talks to the campaign service: fetching the media list for
// an environment and probing basic network reachability.
package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/rs/zerolog"

	"github.com/doohlabs/kioskd/internal/httpx"
	"github.com/doohlabs/kioskd/internal/media"
)

// Query carries one fetch's parameters, taken from the live config.
type Query struct {
	URL                string
	APIKey             string
	EnvironmentID      string
	OnlyStandby        bool
	SearchIn           string
	IncludeDescendants bool
	Limit              int
	Timeout            time.Duration
	DefaultDurationMS  int
}

type searchRequest struct {
	EnvironmentID      string `json:"environmentId"`
	OnlyStandby        bool   `json:"onlyStandby"`
	SearchIn           string `json:"searchIn"`
	IncludeDescendants bool   `json:"includeDescendants"`
	Limit              int    `json:"limit"`
}

type searchResponse struct {
	Units []struct {
		Campaigns []campaign `json:"campaigns"`
	} `json:"units"`
}

type campaign struct {
	ID              json.RawMessage `json:"id"`
	Name            string          `json:"name"`
	Status          string          `json:"status"`
	ExposureTimeMS  float64         `json:"exposure_time_ms"`
	MediaURLs       []string        `json:"media_urls"`
	PrimaryMediaURL string          `json:"primary_media_url"`
}

// Client fetches campaign playlists.
type Client struct {
	logger zerolog.Logger
	// test hook; nil means a client tuned to the query timeout
	httpc *http.Client
}

func NewClient(logger zerolog.Logger) *Client {
	return &Client{logger: logger}
}

// FetchMediaList posts the environment search and flattens the response
// into playlist entries, one per media URL. Items carry no local path yet;
// the downloader fills that in. Campaigns with a status other than active
// are skipped; a missing status passes.
func (c *Client) FetchMediaList(ctx context.Context, q Query) ([]media.Item, error) {
	body, err := json.Marshal(searchRequest{
		EnvironmentID:      q.EnvironmentID,
		OnlyStandby:        q.OnlyStandby,
		SearchIn:           q.SearchIn,
		IncludeDescendants: q.IncludeDescendants,
		Limit:              q.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("api: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("api: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", q.APIKey)
	// Setting Accept-Encoding ourselves disables the transport's automatic
	// gzip handling, so both encodings are decoded below.
	req.Header.Set("Accept-Encoding", "gzip, br")

	httpc := c.httpc
	if httpc == nil {
		httpc = httpx.WithTimeout(q.Timeout)
	}
	resp, err := httpx.DoWithRetry(ctx, httpc, req, httpx.DefaultRetryPolicy)
	if err != nil {
		return nil, fmt.Errorf("api: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("api: unexpected status %d", resp.StatusCode)
	}

	reader, err := decodeBody(resp)
	if err != nil {
		return nil, err
	}
	var parsed searchResponse
	if err := json.NewDecoder(reader).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("api: decode response: %w", err)
	}

	items := flatten(parsed, q.DefaultDurationMS)
	c.logger.Debug().Str("event", "api.fetched").Int("items", len(items)).Msg("media list fetched")
	return items, nil
}

func decodeBody(resp *http.Response) (io.Reader, error) {
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "br":
		return brotli.NewReader(resp.Body), nil
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("api: gzip response: %w", err)
		}
		return gz, nil
	default:
		return resp.Body, nil
	}
}

func flatten(parsed searchResponse, defaultDurationMS int) []media.Item {
	var items []media.Item
	for _, unit := range parsed.Units {
		for _, camp := range unit.Campaigns {
			status := strings.ToLower(camp.Status)
			if status != "" && status != "ativa" && status != "active" {
				continue
			}
			durationMS := int(camp.ExposureTimeMS)
			if durationMS <= 0 {
				durationMS = defaultDurationMS
			}
			urls := camp.MediaURLs
			if len(urls) == 0 && camp.PrimaryMediaURL != "" {
				urls = []string{camp.PrimaryMediaURL}
			}
			for _, u := range urls {
				if u == "" {
					continue
				}
				items = append(items, media.Item{
					URL:          u,
					DurationMS:   durationMS,
					CampaignID:   rawString(camp.ID),
					CampaignName: camp.Name,
				})
			}
		}
	}
	return items
}

// rawString renders a JSON scalar the way it appeared on the wire, minus
// string quoting. Campaign ids arrive as numbers or strings depending on
// the backend version.
func rawString(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	if s[0] == '"' {
		var out string
		if err := json.Unmarshal(raw, &out); err == nil {
			return out
		}
	}
	return s
}

// Reachable reports whether a TCP connection to the URL's host can be
// opened. The offline loader uses it to decide whether a stale snapshot is
// better than nothing.
func Reachable(rawURL string, timeout time.Duration) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return false
	}
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(u.Hostname(), port), timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
