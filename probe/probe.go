package probe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultPath           = "/wd/hub/sessions"
	DefaultMarker         = "capabilities"
	DefaultConnectTimeout = 10 * time.Second
	DefaultReadTimeout    = 10 * time.Second

	// Session listings are small, anything past this is not worth reading.
	maxBodySize = 1 << 20
)

type Config struct {
	Logger         *slog.Logger
	Path           string
	Marker         string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// Probe asks a node for its own session list.
//
// The answer is a crude liveness signal: a node is considered busy only when
// the body contains the marker. Timeouts, transport errors, non-2xx answers and
// bodies without the marker all read as "no live sessions".
type Probe struct {
	config Config
	client *http.Client
	log    *slog.Logger
}

func New(config Config) *Probe {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Path == "" {
		config.Path = DefaultPath
	}
	if config.Marker == "" {
		config.Marker = DefaultMarker
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = DefaultReadTimeout
	}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: config.ConnectTimeout}).DialContext,
		ResponseHeaderTimeout: config.ReadTimeout,
		DisableKeepAlives:     true,
	}

	return &Probe{
		config: config,
		client: &http.Client{
			Transport: transport,
			Timeout:   config.ConnectTimeout + config.ReadTimeout,
		},
		log: config.Logger,
	}
}

func (p *Probe) HasLiveSessions(ctx context.Context, host string) bool {
	url := p.url(host)
	live, err := p.check(ctx, url)
	if err != nil {
		p.log.Warn("Session probe failed, assuming node is idle", "url", url, "error", err)
		return false
	}
	return live
}

func (p *Probe) check(ctx context.Context, url string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build probe request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return false, fmt.Errorf("failed to read probe response: %w", err)
	}
	return strings.Contains(string(body), p.config.Marker), nil
}

func (p *Probe) url(host string) string {
	host = strings.TrimRight(host, "/")
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	return host + p.config.Path
}
