package checkpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JonMunkholm/certmailer/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock hands out strictly increasing timestamps.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func setClock(t *testing.T, store Store, clock *fakeClock) {
	t.Helper()
	switch s := store.(type) {
	case *FileStore:
		s.now = clock.now
	case *RedisStore:
		s.now = clock.now
	case *PostgresStore:
		s.now = clock.now
	default:
		t.Fatalf("unknown store type %T", store)
	}
}

func sampleCheckpoint() *core.Checkpoint {
	return &core.Checkpoint{
		Status: core.CheckpointInProgress,
		Config: core.JobConfig{
			Mode:            core.ModeBoth,
			Mapping:         core.Mapping{"name": "Name"},
			RecipientColumn: "Email",
			FilenamePattern: "{{name}}_certificate",
			Message:         core.MessageTemplate{Subject: "Your certificate"},
		},
		RowCount:      3,
		SenderAddress: "sender@example.com",
		Outcomes: []core.RowOutcome{
			{RowIndex: 0, Stage: core.StageGenerate, Status: core.OutcomeSuccess, ArtifactPath: "/out/a.pdf", Attempts: 1},
			{RowIndex: 0, Stage: core.StageSend, Status: core.OutcomeSuccess, Attempts: 2},
			{RowIndex: 1, Stage: core.StageGenerate, Status: core.OutcomeFailed, Error: "render: template missing", Attempts: 1},
			{RowIndex: 1, Stage: core.StageSend, Status: core.OutcomeSkipped, Error: "artifact not generated"},
		},
	}
}

// runStoreSuite checks the behavior every backend shares.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create and load", func(t *testing.T) {
		store := newStore(t)
		cp := sampleCheckpoint()

		id, err := store.Save(ctx, cp, false)
		require.NoError(t, err)
		require.NotEmpty(t, id)

		got, err := store.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, got.ID)
		assert.Equal(t, core.CheckpointInProgress, got.Status)
		assert.Equal(t, cp.Config.FilenamePattern, got.Config.FilenamePattern)
		assert.Equal(t, "Name", got.Config.Mapping["name"])
		assert.Equal(t, 3, got.RowCount)
		assert.Equal(t, "sender@example.com", got.SenderAddress)
		assert.False(t, got.CreatedAt.IsZero())

		require.Len(t, got.Outcomes, 4)
		assert.Equal(t, 2, got.Outcomes[1].Attempts)
		assert.Equal(t, "render: template missing", got.Outcomes[2].Error)

		assert.Equal(t, core.OutcomeCounts{Generated: 1, GenerateFailed: 1, Sent: 1, Skipped: 1}, got.Counts)
	})

	t.Run("update replaces outcomes", func(t *testing.T) {
		store := newStore(t)
		cp := sampleCheckpoint()
		id, err := store.Save(ctx, cp, false)
		require.NoError(t, err)

		cp.ID = id
		cp.Status = core.CheckpointComplete
		cp.Outcomes = append(cp.Outcomes,
			core.RowOutcome{RowIndex: 2, Stage: core.StageGenerate, Status: core.OutcomeSuccess, ArtifactPath: "/out/c.pdf", Attempts: 1})
		again, err := store.Save(ctx, cp, false)
		require.NoError(t, err)
		assert.Equal(t, id, again)

		got, err := store.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, core.CheckpointComplete, got.Status)
		assert.Len(t, got.Outcomes, 5)
		assert.Equal(t, 2, got.Counts.Generated)
	})

	t.Run("partial save keeps outcomes", func(t *testing.T) {
		store := newStore(t)
		id, err := store.Save(ctx, sampleCheckpoint(), false)
		require.NoError(t, err)

		edit := sampleCheckpoint()
		edit.ID = id
		edit.Status = core.CheckpointComplete
		edit.Outcomes = nil
		edit.Config.Message.Subject = "Edited subject"
		_, err = store.Save(ctx, edit, true)
		require.NoError(t, err)

		got, err := store.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "Edited subject", got.Config.Message.Subject)
		assert.Equal(t, core.CheckpointInProgress, got.Status, "partial save must not touch status")
		assert.Len(t, got.Outcomes, 4)
		assert.Equal(t, 1, got.Counts.Sent)
	})

	t.Run("unknown ids", func(t *testing.T) {
		store := newStore(t)
		missing := "0b7b3c3e-8f9a-4d2e-9b1a-3f0f3a6e2c11"

		_, err := store.Load(ctx, missing)
		assert.True(t, errors.Is(err, core.ErrNotFound), "Load: %v", err)

		cp := sampleCheckpoint()
		cp.ID = missing
		_, err = store.Save(ctx, cp, false)
		assert.True(t, errors.Is(err, core.ErrNotFound), "Save: %v", err)

		assert.True(t, errors.Is(store.Delete(ctx, missing), core.ErrNotFound))
	})

	t.Run("list newest first", func(t *testing.T) {
		store := newStore(t)
		clock := &fakeClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
		setClock(t, store, clock)

		first, err := store.Save(ctx, sampleCheckpoint(), false)
		require.NoError(t, err)
		second, err := store.Save(ctx, sampleCheckpoint(), false)
		require.NoError(t, err)

		// Touching the first moves it to the top.
		cp := sampleCheckpoint()
		cp.ID = first
		_, err = store.Save(ctx, cp, true)
		require.NoError(t, err)

		list, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, first, list[0].ID)
		assert.Equal(t, second, list[1].ID)
		assert.Equal(t, "Your certificate", list[0].Subject)
		assert.Equal(t, 1, list[0].Counts.Generated)
		assert.NotEmpty(t, list[0].Label)
	})

	t.Run("delete", func(t *testing.T) {
		store := newStore(t)
		id, err := store.Save(ctx, sampleCheckpoint(), false)
		require.NoError(t, err)

		require.NoError(t, store.Delete(ctx, id))

		_, err = store.Load(ctx, id)
		assert.True(t, errors.Is(err, core.ErrNotFound))

		list, err := store.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}
