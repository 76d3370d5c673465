package remote

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClean(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "", want: ""},
		{in: "/", want: ""},
		{in: "/users/u1/", want: "users/u1"},
		{in: "messages/m1/reactions/👍", want: "messages/m1/reactions/👍"},
		{in: "users//u1", wantErr: true},
		{in: "users/u.1", wantErr: true},
		{in: "users/$me", wantErr: true},
		{in: "a/[0]", wantErr: true},
	}

	for _, tt := range tests {
		got, err := Clean(tt.in)
		if tt.wantErr {
			require.ErrorIs(t, err, ErrInvalidPath, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got)
	}
}

func TestRelated(t *testing.T) {
	require.True(t, Related("users/a", "users/a"))
	require.True(t, Related("users", "users/a/friends"))
	require.True(t, Related("users/a/friends", "users"))
	require.True(t, Related("", "messages"))
	require.False(t, Related("users/a", "users/ab"))
	require.False(t, Related("users/a/friends", "users/b"))
}

func TestJoinBaseParent(t *testing.T) {
	require.Equal(t, "users/u1/friends", Join("users", "/u1/", "", "friends"))
	require.Equal(t, "friends", Base("users/u1/friends"))
	require.Equal(t, "users/u1", Parent("users/u1/friends"))
	require.Equal(t, "", Parent("users"))
}

func TestSnapshotChildren(t *testing.T) {
	snap := Snapshot{Path: "messages", Value: json.RawMessage(`{"b":{"id":"b"},"a":{"id":"a"}}`)}
	children := snap.Children()
	require.Len(t, children, 2)
	require.Equal(t, "messages/a", children[0].Path)
	require.Equal(t, "a", children[0].Key())

	arr := Snapshot{Path: "users/u/friends", Value: json.RawMessage(`["x","y"]`)}
	children = arr.Children()
	require.Len(t, children, 2)
	require.Equal(t, "users/u/friends/1", children[1].Path)

	require.Nil(t, Snapshot{Path: "x"}.Children())
	require.Nil(t, Snapshot{Path: "x", Value: json.RawMessage(`3`)}.Children())
}

func TestSnapshotDecodeMissing(t *testing.T) {
	var v map[string]any
	err := Snapshot{Path: "users/nobody", Value: json.RawMessage("null")}.Decode(&v)
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestDisconnectActionValidate(t *testing.T) {
	require.NoError(t, RemoveOnDisconnect().Validate())
	require.NoError(t, CancelOnDisconnect().Validate())

	set, err := SetOnDisconnect(false)
	require.NoError(t, err)
	require.NoError(t, set.Validate())
	require.Equal(t, json.RawMessage("false"), set.Value)

	require.Error(t, DisconnectAction{Op: DisconnectSet}.Validate())
	require.Error(t, DisconnectAction{Op: "explode"}.Validate())
}
