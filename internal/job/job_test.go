package job

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefinitionEqualIgnoresFormatting(t *testing.T) {
	a := Definition{ID: "1", Crontab: "*/5 * * * *", Payload: "x", Enabled: true, Executor: "default"}
	b := Definition{ID: " 1 ", Crontab: "*/5  *  * * *", Payload: "x", Enabled: true}
	require.True(t, a.Equal(b))
	require.True(t, a.ScheduleEqual(b))

	b.Payload = "y"
	require.False(t, a.Equal(b))
	require.True(t, a.ScheduleEqual(b))

	b.Timezone = "UTC"
	require.False(t, a.ScheduleEqual(b))
}

func TestIsolated(t *testing.T) {
	require.True(t, Definition{Executor: "Isolated"}.Isolated())
	require.False(t, Definition{}.Isolated())
}

func TestNotFoundMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("get: %w", NotFound("7"))
	require.True(t, IsNotFound(err))

	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	require.Equal(t, "7", nf.ID)
}

func TestStatusValid(t *testing.T) {
	require.True(t, StatusRunning.Valid())
	require.False(t, Status("exploded").Valid())
}
