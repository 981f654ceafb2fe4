package payload

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	logx "supertask/pkg/logx"
	"supertask/pkg/speedtest"
)

// SpeedtestTask measures throughput and logs the result. Args may name a
// server count, e.g. "task:speedtest servers=3".
func SpeedtestTask(log logx.Logger, run func(context.Context, speedtest.Config) (*speedtest.Result, error)) Handler {
	if run == nil {
		run = speedtest.Run
	}
	return func(ctx context.Context, c Call) error {
		cfg, err := parseSpeedtestArgs(c.Args)
		if err != nil {
			return err
		}
		res, err := run(ctx, cfg)
		if err != nil {
			return fmt.Errorf("speedtest: %w", err)
		}
		log.Info("speedtest result",
			logx.String("job", c.Def.ID),
			logx.Any("download_mbps", res.DownloadMbps),
			logx.Any("upload_mbps", res.UploadMbps),
			logx.Any("ping_ms", res.PingMs),
			logx.Any("jitter_ms", res.JitterMs),
			logx.String("server", res.ServerName),
			logx.String("country", res.ServerCountry),
			logx.String("isp", res.ISP),
			logx.Duration("took", res.Duration),
		)
		return nil
	}
}

func parseSpeedtestArgs(args string) (speedtest.Config, error) {
	var cfg speedtest.Config
	for _, f := range strings.Fields(args) {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			return cfg, fmt.Errorf("speedtest: bad argument %q", f)
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("speedtest: %s wants a positive number, got %q", k, v)
		}
		switch k {
		case "servers":
			cfg.ServerCount = n
		case "connections":
			cfg.MaxConnections = n
		default:
			return cfg, fmt.Errorf("speedtest: unknown argument %q", k)
		}
	}
	return cfg, nil
}
