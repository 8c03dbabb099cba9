package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camrelay/internal/camera"
	"camrelay/internal/session"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "camrelay.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return db
}

func TestSessionRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := session.Record{
		ID: "session-0123456789abcdef",
		Config: session.Config{
			Camera: camera.Descriptor{
				Kind:       camera.KindRTSP,
				URL:        "rtsp://cam.local/stream",
				Username:   "admin",
				Password:   "secret",
				FPS:        15,
				Resolution: "640x480",
			},
			EnableInference: true,
			MaxLatencyMs:    150,
		},
		CreatedAt: created,
	}
	require.NoError(t, db.SaveSession(ctx, rec))

	got, err := db.GetSession(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, created.Equal(got.CreatedAt), "created_at %v", got.CreatedAt)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.Config, got.Config)

	rec.Config.MaxLatencyMs = 300
	require.NoError(t, db.SaveSession(ctx, rec))
	got, err = db.GetSession(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 300, got.Config.MaxLatencyMs)
}

func TestListAndDeleteSessions(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"session-b", "session-a", "session-c"} {
		require.NoError(t, db.SaveSession(ctx, session.Record{
			ID:        id,
			Config:    session.Config{Camera: camera.Descriptor{Kind: camera.KindWebcam, URL: "/dev/video0"}},
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	recs, err := db.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "session-b", recs[0].ID)
	assert.Equal(t, "session-c", recs[2].ID)

	require.NoError(t, db.DeleteSession(ctx, "session-a"))
	require.NoError(t, db.DeleteSession(ctx, "session-a"))
	_, err = db.GetSession(ctx, "session-a")
	assert.ErrorIs(t, err, ErrNotFound)

	recs, err = db.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestConfigValues(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.GetConfig(ctx, "jwt_secret")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.SaveConfig(ctx, "jwt_secret", "one"))
	require.NoError(t, db.SaveConfig(ctx, "jwt_secret", "two"))
	v, err := db.GetConfig(ctx, "jwt_secret")
	require.NoError(t, err)
	assert.Equal(t, "two", v)
}

func TestRegistryRestoresFromDatabase(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	reg := session.NewRegistry(session.Options{Logger: zerolog.Nop()}, db)
	s, err := reg.Create(ctx, session.Config{Camera: camera.Descriptor{Kind: camera.KindWebcam, URL: "1"}})
	require.NoError(t, err)
	reg.Close()

	restored := session.NewRegistry(session.Options{Logger: zerolog.Nop()}, db)
	defer restored.Close()
	n, err := restored.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := restored.Get(s.ID())
	require.NoError(t, err)
	assert.Equal(t, "/dev/video1", got.Config().Camera.URL)
	assert.Equal(t, session.StateStopped, got.State())
}
