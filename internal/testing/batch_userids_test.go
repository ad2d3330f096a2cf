package testing

import (
	"testing"

	"dateper-messaging/internal/event"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestBatchUserIDs(t *testing.T) {
	userIDs := UserIDs(4)
	batches := BatchUserIDs(userIDs)
	require.Equal(t, [][2]uuid.UUID{
		{userIDs[0], userIDs[1]},
		{userIDs[0], userIDs[2]},
		{userIDs[0], userIDs[3]},
	}, batches)

	require.Nil(t, BatchUserIDs(userIDs[:1]))
}

func TestRecorder(t *testing.T) {
	r := NewRecorder(1)
	require.NoError(t, r.Send(event.UserOnline(uuid.Nil)))
	require.Error(t, r.Send(event.UserOnline(uuid.Nil)))
	require.Equal(t, []event.Type{event.TypeUserOnline}, r.Types())

	r.Fail(true)
	require.ErrorIs(t, r.Send(event.UserOnline(uuid.Nil)), ErrClosed)
}
