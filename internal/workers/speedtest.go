package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"
	"golang.org/x/sync/errgroup"

	"taskd/internal/task"
)

const (
	defaultSpeedServers = 5
	defaultSpeedConns   = 4
	pingConcurrency     = 4
)

// SpeedResult is the JSON output of the speedtest worker.
type SpeedResult struct {
	DownloadMbps float64 `json:"download_mbps"`
	UploadMbps   float64 `json:"upload_mbps"`
	PingMs       float64 `json:"ping_ms"`
	JitterMs     float64 `json:"jitter_ms"`
	ISP          string  `json:"isp,omitempty"`
	Server       string  `json:"server"`
	Country      string  `json:"country,omitempty"`
	Candidates   int     `json:"candidates"`
}

type speedRequest struct {
	servers int
	conns   int
	saving  bool
}

func parseSpeedRequest(o task.Options) speedRequest {
	req := speedRequest{servers: defaultSpeedServers, conns: defaultSpeedConns}
	if n, ok := o.Float("servers"); ok && n >= 1 {
		req.servers = int(n)
	}
	if n, ok := o.Float("connections"); ok && n >= 1 {
		req.conns = int(n)
	}
	if v, ok := o["saving_mode"].(bool); ok {
		req.saving = v
	}
	return req
}

// Speedtest measures bandwidth against the lowest-latency nearby server.
//
// options: servers (candidates to ping), connections, saving_mode.
func Speedtest(ctx context.Context, t task.Task) (string, error) {
	req := parseSpeedRequest(t.Options)

	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConnsPerHost: req.conns,
		IdleConnTimeout:     10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	defer tr.CloseIdleConnections()

	stc := st.New(
		st.WithUserConfig(&st.UserConfig{SavingMode: req.saving, MaxConnections: req.conns}),
		st.WithDoer(&http.Client{Transport: tr}),
	)
	defer func() {
		stc.Snapshots().Clean()
		stc.Reset()
	}()

	user, err := stc.FetchUserInfoContext(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch user info: %w", err)
	}
	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return "", errors.New("no servers available")
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	candidates := servers[:min(req.servers, len(servers))]

	best, err := lowestLatency(ctx, candidates)
	if err != nil {
		return "", err
	}
	if err := best.DownloadTestContext(ctx); err != nil {
		return "", fmt.Errorf("download test: %w", err)
	}
	if err := best.UploadTestContext(ctx); err != nil {
		return "", fmt.Errorf("upload test: %w", err)
	}

	res := SpeedResult{
		DownloadMbps: best.DLSpeed.Mbps(),
		UploadMbps:   best.ULSpeed.Mbps(),
		PingMs:       float64(best.Latency.Microseconds()) / 1000,
		JitterMs:     float64(best.Jitter.Microseconds()) / 1000,
		ISP:          user.Isp,
		Server:       best.Sponsor,
		Country:      best.Country,
		Candidates:   len(candidates),
	}
	b, err := json.Marshal(res)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// lowestLatency pings every candidate with bounded concurrency and returns
// the fastest responder.
func lowestLatency(ctx context.Context, servers []*st.Server) (*st.Server, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pingConcurrency)
	ok := make([]bool, len(servers))
	for i, s := range servers {
		g.Go(func() error {
			// a failed ping only drops the candidate
			if err := s.PingTestContext(gctx, nil); err == nil && s.Latency > 0 {
				ok[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var best *st.Server
	for i, s := range servers {
		if ok[i] && (best == nil || s.Latency < best.Latency) {
			best = s
		}
	}
	if best == nil {
		return nil, errors.New("all latency tests failed")
	}
	return best, nil
}
