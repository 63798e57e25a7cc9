// Package identity tracks the current app-user-id, minting anonymous ids when
// the host app never supplied one.
package identity

import (
	"strings"
	"sync"

	"github.com/gofrs/uuid/v5"
)

// AnonymousIDPrefix marks generated app-user-ids.
const AnonymousIDPrefix = "$SubwiseAnonID:"

// Manager holds the current identity. Safe for concurrent use.
type Manager struct {
	mu        sync.RWMutex
	appUserID string
}

// New returns a manager for appUserID; an empty id mints an anonymous one.
func New(appUserID string) *Manager {
	m := &Manager{}
	if appUserID == "" {
		appUserID = generateAnonymousID()
	}
	m.appUserID = appUserID
	return m
}

// CurrentAppUserID returns the active identity.
func (m *Manager) CurrentAppUserID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.appUserID
}

// SwitchUser replaces the identity after a successful login. Empty reverts to
// a fresh anonymous id (logout).
func (m *Manager) SwitchUser(appUserID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if appUserID == "" {
		appUserID = generateAnonymousID()
	}
	m.appUserID = appUserID
	return appUserID
}

// IsAnonymous reports whether the current identity was generated locally.
func (m *Manager) IsAnonymous() bool {
	return strings.HasPrefix(m.CurrentAppUserID(), AnonymousIDPrefix)
}

func generateAnonymousID() string {
	id, err := uuid.NewV4()
	if err != nil {
		// v4 generation only fails if the OS entropy source does, at which
		// point nothing in this process works.
		panic(err)
	}
	return AnonymousIDPrefix + strings.ReplaceAll(id.String(), "-", "")
}
