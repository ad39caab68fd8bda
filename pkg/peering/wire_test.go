package peering

import (
	"bytes"
	"testing"

	"github.com/ankurah-go/ankurah/pkg/clock"
	"github.com/ankurah-go/ankurah/pkg/event"
	"github.com/ankurah-go/ankurah/pkg/id"
	"github.com/ankurah-go/ankurah/pkg/property"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTripsNodeRequest(t *testing.T) {
	collection := id.CollectionId("albums")
	req := NodeRequest{
		ID:   id.NewRequestId(),
		To:   id.NewNodeId(),
		From: id.NewNodeId(),
		Body: GetRequest{Collection: collection, IDs: []id.EntityId{id.NewEntityId(), id.NewEntityId()}},
	}

	frame, err := Encode(req)
	require.NoError(t, err)

	decoded, err := ReadFrame(bytes.NewReader(frame))
	require.NoError(t, err)

	got, ok := decoded.(NodeRequest)
	require.True(t, ok)
	require.Equal(t, req.ID, got.ID)
	require.Equal(t, req.To, got.To)
	getBody, ok := got.Body.(GetRequest)
	require.True(t, ok)
	require.Equal(t, collection, getBody.Collection)
	require.ElementsMatch(t, req.Body.(GetRequest).IDs, getBody.IDs)
}

func TestEncodeDecodeRoundTripsSubscriptionUpdateWithEvent(t *testing.T) {
	entityId := id.NewEntityId()
	ev := event.New("albums", entityId, clock.Empty(), map[string][]property.Operation{
		"lww": {{Diff: []byte("hello")}},
	})

	upd := NodeUpdate{
		UpdateID: id.NewUpdateId(),
		From:     id.NewNodeId(),
		To:       id.NewNodeId(),
		Body:     SubscriptionUpdate{SubscriptionID: id.NewSubscriptionId(), Events: []*event.Event{ev}},
	}

	frame, err := Encode(upd)
	require.NoError(t, err)
	decoded, err := ReadFrame(bytes.NewReader(frame))
	require.NoError(t, err)

	got, ok := decoded.(NodeUpdate)
	require.True(t, ok)
	body, ok := got.Body.(SubscriptionUpdate)
	require.True(t, ok)
	require.Len(t, body.Events, 1)
	require.Equal(t, ev.ID, body.Events[0].ID)
	require.Equal(t, entityId, body.Events[0].EntityId)
	require.Equal(t, "hello", string(body.Events[0].Operations["lww"][0].Diff))
}
