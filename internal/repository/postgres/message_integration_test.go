//go:build integration

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailcore-dev/mailcore/internal/model"
)

func TestMessageRepository_Create(t *testing.T) {
	truncateAll(t)
	ctx := context.Background()
	seedAPIKey(t, ctx)

	repo := NewMessageRepository(testPool)
	msg := newTestMessage()

	err := repo.Create(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusQueued, msg.Status)
	assert.Equal(t, 0, msg.Attempts)
}

func TestMessageRepository_IdempotencyKeyUnique(t *testing.T) {
	truncateAll(t)
	ctx := context.Background()
	seedAPIKey(t, ctx)

	repo := NewMessageRepository(testPool)

	key := "order-123"
	msg1 := newTestMessage()
	msg1.IdempotencyKey = &key
	require.NoError(t, repo.Create(ctx, msg1))

	msg2 := newTestMessage()
	msg2.ID = uuid.New()
	msg2.IdempotencyKey = &key
	err := repo.Create(ctx, msg2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateKey))

	got, err := repo.GetByAPIKeyAndIdempotencyKey(ctx, testAPIKeyID, key)
	require.NoError(t, err)
	assert.Equal(t, msg1.ID, got.ID)
}

func TestMessageRepository_ClaimNext(t *testing.T) {
	truncateAll(t)
	ctx := context.Background()
	seedAPIKey(t, ctx)

	repo := NewMessageRepository(testPool)

	older := newTestMessage()
	require.NoError(t, repo.Create(ctx, older))
	_, err := testPool.Exec(ctx, `UPDATE messages SET created_at = $1 WHERE id = $2`,
		fixedTime.Add(-time.Minute), older.ID)
	require.NoError(t, err)

	newer := newTestMessage()
	newer.ID = uuid.New()
	require.NoError(t, repo.Create(ctx, newer))

	claimed, err := repo.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, older.ID, claimed.ID, "oldest queued message claimed first")
	assert.Equal(t, model.MessageStatusProcessing, claimed.Status)
	assert.NotNil(t, claimed.ClaimedAt)

	second, err := repo.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, newer.ID, second.ID)

	none, err := repo.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestMessageRepository_ResetStaleProcessing(t *testing.T) {
	truncateAll(t)
	ctx := context.Background()
	seedAPIKey(t, ctx)

	repo := NewMessageRepository(testPool)
	msg := newTestMessage()
	require.NoError(t, repo.Create(ctx, msg))

	claimed, err := repo.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	_, err = testPool.Exec(ctx, `UPDATE messages SET claimed_at = $1 WHERE id = $2`,
		time.Now().Add(-time.Hour), claimed.ID)
	require.NoError(t, err)

	reset, err := repo.ResetStaleProcessing(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reset)

	got, err := repo.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageStatusQueued, got.Status)
	assert.Nil(t, got.ClaimedAt)
}
