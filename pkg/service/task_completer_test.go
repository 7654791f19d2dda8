package service_test

import (
	"context"
	"testing"

	"github.com/ignatij/stepflow/pkg/models"
	"github.com/ignatij/stepflow/pkg/service"
	"github.com/ignatij/stepflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceTaskCompleter(t *testing.T) {
	ctx := context.Background()

	t.Run("TracksUnionOfResources", func(t *testing.T) {
		store := storage.NewMemoryStore()
		c := service.NewTaskCompleter(store, logger{}, "task-1", "vol-2", "vol-1")
		c.AddResourceGroup("vol-3", "vol-1")
		c.MarkCreated("snap-1")
		assert.Equal(t, "task-1", c.TaskID())
		assert.Equal(t, []string{"snap-1", "vol-1", "vol-2", "vol-3"}, c.Resources())
	})

	t.Run("SuccessMarksEveryRecordReady", func(t *testing.T) {
		store := storage.NewMemoryStore()
		c := service.NewTaskCompleter(store, logger{}, "task-1", "vol-1", "vol-2")
		require.NoError(t, c.OnStart(ctx))

		records, err := store.ListTaskRecords("task-1")
		require.NoError(t, err)
		require.Len(t, records, 2)
		for _, rec := range records {
			assert.Equal(t, models.PendingTaskRecordStatus, rec.Status)
		}

		require.NoError(t, c.OnSuccess(ctx, "volume created"))
		records, err = store.ListTaskRecords("task-1")
		require.NoError(t, err)
		for _, rec := range records {
			assert.Equal(t, models.ReadyTaskRecordStatus, rec.Status)
			assert.Equal(t, "volume created", rec.Message)
			assert.False(t, rec.Inactive)
		}
	})

	t.Run("ErrorMarksRecordsAndCreatedResourcesInactive", func(t *testing.T) {
		store := storage.NewMemoryStore()
		c := service.NewTaskCompleter(store, logger{}, "task-1", "vol-1")
		c.MarkCreated("snap-1")
		require.NoError(t, c.OnError(ctx, errors.New("array offline")))

		vol, err := store.GetTaskRecord("vol-1", "task-1")
		require.NoError(t, err)
		assert.Equal(t, models.ErrorTaskRecordStatus, vol.Status)
		assert.Equal(t, "array offline", vol.Message)
		assert.False(t, vol.Inactive)

		snap, err := store.GetTaskRecord("snap-1", "task-1")
		require.NoError(t, err)
		assert.Equal(t, models.ErrorTaskRecordStatus, snap.Status)
		assert.True(t, snap.Inactive)
	})

	t.Run("ResourcesAddedAfterStartArePersisted", func(t *testing.T) {
		store := storage.NewMemoryStore()
		c := service.NewTaskCompleter(store, logger{}, "task-1", "vol-1")
		c.AddResourceGroup("vol-2")
		_, err := store.GetTaskRecord("vol-2", "task-1")
		assert.Equal(t, storage.ErrNotFound, err)

		require.NoError(t, c.OnStart(ctx))
		c.AddResourceGroup("cg-1")
		c.MarkCreated("vol-1", "snap-1")

		records, err := store.ListTaskRecords("task-1")
		require.NoError(t, err)
		require.Len(t, records, 4)
		created := map[string]bool{}
		for _, rec := range records {
			assert.Equal(t, models.PendingTaskRecordStatus, rec.Status)
			created[rec.ResourceID] = rec.Created
		}
		assert.Equal(t, map[string]bool{"cg-1": false, "snap-1": true, "vol-1": true, "vol-2": false}, created)

		require.NoError(t, c.OnSuccess(ctx, "done"))
		c.AddResourceGroup("late-1")
		_, err = store.GetTaskRecord("late-1", "task-1")
		assert.Equal(t, storage.ErrNotFound, err)
		rec, err := store.GetTaskRecord("snap-1", "task-1")
		require.NoError(t, err)
		assert.True(t, rec.Created)
		assert.Equal(t, models.ReadyTaskRecordStatus, rec.Status)
	})

	t.Run("SecondCompletionIsRejected", func(t *testing.T) {
		store := storage.NewMemoryStore()
		c := service.NewTaskCompleter(store, logger{}, "task-1", "vol-1")
		require.NoError(t, c.OnSuccess(ctx, "ok"))

		err := c.OnError(ctx, errors.New("late failure"))
		assert.True(t, errors.Is(err, service.ErrAlreadyCompleted))
		err = c.OnSuccess(ctx, "again")
		assert.True(t, errors.Is(err, service.ErrAlreadyCompleted))

		rec, err := store.GetTaskRecord("vol-1", "task-1")
		require.NoError(t, err)
		assert.Equal(t, models.ReadyTaskRecordStatus, rec.Status)
		assert.Equal(t, "ok", rec.Message)
	})
}
