package speedtest

import (
	"testing"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"
	"github.com/stretchr/testify/require"
)

func TestNearest(t *testing.T) {
	servers := st.Servers{
		{ID: "far", Distance: 900},
		nil,
		{ID: "near", Distance: 10},
		{ID: "mid", Distance: 100},
	}
	got := nearest(servers, 2)
	require.Len(t, got, 2)
	require.Equal(t, "near", got[0].ID)
	require.Equal(t, "mid", got[1].ID)
}

func TestFastestSkipsFailedPings(t *testing.T) {
	servers := []*st.Server{
		{ID: "failed", Latency: 0},
		{ID: "slow", Latency: 80 * time.Millisecond},
		{ID: "quick", Latency: 12 * time.Millisecond},
	}
	require.Equal(t, "quick", fastest(servers).ID)
	require.Nil(t, fastest([]*st.Server{{ID: "failed"}}))
}

func TestConfigDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	require.Equal(t, 5, c.ServerCount)
	require.Equal(t, 4, c.MaxConnections)
	require.Equal(t, 4, c.PingConcurrency)
}
