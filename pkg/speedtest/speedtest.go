// Package speedtest measures link throughput against speedtest.net servers.
package speedtest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"
	"golang.org/x/sync/errgroup"
)

// Config controls a run. Zero values pick the defaults.
type Config struct {
	// ServerCount is how many of the nearest servers are pinged.
	ServerCount int
	// MaxConnections bounds parallel transfer connections.
	MaxConnections int
	// PingConcurrency caps concurrent latency probes.
	PingConcurrency int
	SavingMode      bool
}

func (c Config) withDefaults() Config {
	if c.ServerCount <= 0 {
		c.ServerCount = 5
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 4
	}
	if c.PingConcurrency <= 0 {
		c.PingConcurrency = 4
	}
	return c
}

// Result is one measurement.
type Result struct {
	Timestamp     time.Time     `json:"timestamp"`
	DownloadMbps  float64       `json:"download_mbps"`
	UploadMbps    float64       `json:"upload_mbps"`
	PingMs        float64       `json:"ping_ms"`
	JitterMs      float64       `json:"jitter_ms"`
	ISP           string        `json:"isp"`
	ServerName    string        `json:"server_name"`
	ServerCountry string        `json:"server_country"`
	Duration      time.Duration `json:"duration"`
}

// Run picks the lowest-latency server among the nearest candidates and
// measures download and upload against it.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	cfg = cfg.withDefaults()
	start := time.Now()

	// Dedicated transport so connections are dropped after the run.
	tr := http.DefaultTransport.(*http.Transport).Clone()
	defer tr.CloseIdleConnections()

	// Avoid package-level speedtest helpers; they keep shared state.
	stc := st.New(
		st.WithUserConfig(&st.UserConfig{SavingMode: cfg.SavingMode, MaxConnections: cfg.MaxConnections}),
		st.WithDoer(&http.Client{Transport: tr}),
	)
	stc.SetNThread(cfg.MaxConnections)
	defer func() {
		stc.Snapshots().Clean()
		stc.Reset()
	}()

	user, err := stc.FetchUserInfoContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch user info: %w", err)
	}
	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}

	candidates := nearest(servers, cfg.ServerCount)
	if len(candidates) == 0 {
		return nil, errors.New("no servers available")
	}
	if err := ping(ctx, candidates, cfg.PingConcurrency); err != nil {
		return nil, err
	}
	best := fastest(candidates)
	if best == nil {
		return nil, errors.New("all latency tests failed")
	}

	if err := best.DownloadTestContext(ctx); err != nil {
		return nil, fmt.Errorf("download test: %w", err)
	}
	if err := best.UploadTestContext(ctx); err != nil {
		return nil, fmt.Errorf("upload test: %w", err)
	}

	return &Result{
		Timestamp:     time.Now(),
		DownloadMbps:  best.DLSpeed.Mbps(),
		UploadMbps:    best.ULSpeed.Mbps(),
		PingMs:        float64(best.Latency.Microseconds()) / 1000,
		JitterMs:      float64(best.Jitter.Microseconds()) / 1000,
		ISP:           user.Isp,
		ServerName:    best.Sponsor,
		ServerCountry: best.Country,
		Duration:      time.Since(start),
	}, nil
}

// ping probes every server; individual failures leave Latency at zero.
func ping(ctx context.Context, servers []*st.Server, limit int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, s := range servers {
		s := s
		g.Go(func() error {
			if err := s.PingTestContext(gctx, nil); err != nil {
				s.Latency = 0
			}
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

// nearest returns up to n servers ordered by distance.
func nearest(servers st.Servers, n int) []*st.Server {
	out := make([]*st.Server, 0, len(servers))
	for _, s := range servers {
		if s != nil {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// fastest returns the server with the lowest positive latency.
func fastest(servers []*st.Server) *st.Server {
	var best *st.Server
	for _, s := range servers {
		if s == nil || s.Latency <= 0 {
			continue
		}
		if best == nil || s.Latency < best.Latency {
			best = s
		}
	}
	return best
}
