package ops

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hpungsan/nudge/internal/advice"
	"github.com/hpungsan/nudge/internal/db"
	"github.com/hpungsan/nudge/internal/errors"
	"github.com/hpungsan/nudge/internal/packet"
)

func storePacket(t *testing.T, env *testEnv, tool string) {
	t.Helper()
	fp := advice.FingerprintOf(&advice.ToolContext{SessionID: "s", Tool: tool})
	require.NoError(t, env.cache.Store(context.Background(), &packet.Packet{
		Fingerprint: fp.Key, Tool: fp.Tool, Phase: fp.Phase, Text: "[NOTE] " + tool,
	}))
}

func intPtr(n int) *int { return &n }

func TestPurge_ExpiredPacketsOnly(t *testing.T) {
	env, _ := newTestEnv(t, nil)
	ctx := context.Background()

	clock := time.Now()
	env.cache.SetClock(func() time.Time { return clock })
	storePacket(t, env, "read")
	clock = clock.Add(10 * time.Minute)
	storePacket(t, env, "edit")
	// read expires at 15m, edit at 25m
	clock = clock.Add(5*time.Minute + time.Second)
	insertEvent(t, env, "01OLD", "s1", time.Now().AddDate(0, 0, -30))

	out, err := Purge(ctx, env.db, env.cache, PurgeInput{})
	require.NoError(t, err)
	require.Equal(t, 1, out.Packets)
	require.Equal(t, 0, out.Events)
	require.Equal(t, "Deleted 1 expired packet", out.Message)
	require.Equal(t, 1, env.cache.Len())

	_, err = db.GetEvent(ctx, env.db, "01OLD")
	require.NoError(t, err)
}

func TestPurge_OldEvents(t *testing.T) {
	env, _ := newTestEnv(t, nil)
	ctx := context.Background()
	insertEvent(t, env, "01OLD1", "s1", time.Now().AddDate(0, 0, -30))
	insertEvent(t, env, "01OLD2", "s1", time.Now().AddDate(0, 0, -10))
	insertEvent(t, env, "01NEW", "s1", time.Now())

	out, err := Purge(ctx, env.db, env.cache, PurgeInput{OlderThanDays: intPtr(7)})
	require.NoError(t, err)
	require.Equal(t, 2, out.Events)
	require.Equal(t, "Deleted 2 events older than 7 days", out.Message)

	_, err = db.GetEvent(ctx, env.db, "01OLD1")
	require.True(t, errors.Is(err, errors.ErrNotFound))
	_, err = db.GetEvent(ctx, env.db, "01NEW")
	require.NoError(t, err)
}

func TestPurge_AllPackets(t *testing.T) {
	env, _ := newTestEnv(t, nil)
	storePacket(t, env, "read")
	storePacket(t, env, "edit")

	out, err := Purge(context.Background(), env.db, env.cache, PurgeInput{AllPackets: true})
	require.NoError(t, err)
	require.Equal(t, 2, out.Packets)
	require.Equal(t, "Deleted 2 packets", out.Message)
	require.Equal(t, 0, env.cache.Len())
}

func TestPurge_NothingAndInvalid(t *testing.T) {
	env, _ := newTestEnv(t, nil)
	ctx := context.Background()

	out, err := Purge(ctx, env.db, env.cache, PurgeInput{OlderThanDays: intPtr(1)})
	require.NoError(t, err)
	require.Equal(t, "Nothing to purge", out.Message)

	_, err = Purge(ctx, env.db, env.cache, PurgeInput{OlderThanDays: intPtr(-1)})
	require.True(t, errors.Is(err, errors.ErrInvalidRequest))
}
