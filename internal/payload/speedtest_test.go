package payload

import (
	"context"
	"errors"
	"supertask/internal/job"
	logx "supertask/pkg/logx"
	"supertask/pkg/speedtest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSpeedtestTask(t *testing.T) {
	var got speedtest.Config
	h := SpeedtestTask(logx.Nop(), func(_ context.Context, cfg speedtest.Config) (*speedtest.Result, error) {
		got = cfg
		return &speedtest.Result{DownloadMbps: 93.1, UploadMbps: 40.2}, nil
	})
	r := NewRegistry(logx.Nop())
	r.Register("speedtest", h)

	require.NoError(t, r.Execute(context.Background(), job.Definition{ID: "net", Payload: "task:speedtest servers=3 connections=2"}))
	require.Equal(t, speedtest.Config{ServerCount: 3, MaxConnections: 2}, got)

	require.Error(t, r.Execute(context.Background(), job.Definition{ID: "net", Payload: "task:speedtest servers=-1"}))
	require.Error(t, r.Execute(context.Background(), job.Definition{ID: "net", Payload: "task:speedtest fast"}))
}

func TestSpeedtestTaskError(t *testing.T) {
	h := SpeedtestTask(logx.Nop(), func(context.Context, speedtest.Config) (*speedtest.Result, error) {
		return nil, errors.New("offline")
	})
	require.ErrorContains(t, h(context.Background(), Call{}), "offline")
}
