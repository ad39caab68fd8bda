package policy

import (
	"testing"

	"github.com/ankurah-go/ankurah/pkg/id"
	"github.com/stretchr/testify/require"
)

func TestPermissiveAgentAllowsEverything(t *testing.T) {
	a := NewPermissiveAgent()
	collection := id.CollectionId("album")
	entityId := id.NewEntityId()
	nodeId := id.NewNodeId()

	require.True(t, a.AccessCollection(nil, collection).Allowed())
	require.True(t, a.ReadEntity(nil, collection, entityId).Allowed())
	require.True(t, a.ModifyEntity(nil, collection, entityId).Allowed())
	require.True(t, a.CreateInCollection(nil, collection).Allowed())
	require.True(t, a.Subscribe(nil, collection, nil).Allowed())
	require.True(t, a.CommunicateWithNode(nil, nodeId).Allowed())
}

func TestResultAllowed(t *testing.T) {
	require.True(t, Allow.Allowed())
	require.False(t, Deny.Allowed())
}
