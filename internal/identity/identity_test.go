package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_EmptyIDMintsAnonymousIdentity(t *testing.T) {
	t.Parallel()
	m := New("")
	require.True(t, m.IsAnonymous())
	require.Contains(t, m.CurrentAppUserID(), AnonymousIDPrefix)

	other := New("")
	require.NotEqual(t, m.CurrentAppUserID(), other.CurrentAppUserID())
}

func TestNew_ConfiguredIDIsNotAnonymous(t *testing.T) {
	t.Parallel()
	m := New("user-42")
	require.False(t, m.IsAnonymous())
	require.Equal(t, "user-42", m.CurrentAppUserID())
}

func TestSwitchUser_EmptyRevertsToFreshAnonymous(t *testing.T) {
	t.Parallel()
	m := New("user-42")
	anon := m.SwitchUser("")
	require.True(t, m.IsAnonymous())
	require.Equal(t, anon, m.CurrentAppUserID())

	m.SwitchUser("user-43")
	require.Equal(t, "user-43", m.CurrentAppUserID())
}
