// Package auth is the authentication gate. The wider application owns
// real session handling; this subsystem only needs "who is calling, if
// anyone", so the gate is a bearer-token lookup configured at startup.
package auth

import (
	"net/http"
	"strings"

	"github.com/larderhq/larder/internal/models"
)

// Gate resolves the authenticated caller of a request, or nil.
type Gate interface {
	CurrentUser(r *http.Request) *models.UserIdentity
}

// StaticTokenGate maps bearer tokens to user identities.
type StaticTokenGate struct {
	users map[string]models.UserIdentity
}

func NewStaticTokenGate(users map[string]models.UserIdentity) *StaticTokenGate {
	return &StaticTokenGate{users: users}
}

func (g *StaticTokenGate) CurrentUser(r *http.Request) *models.UserIdentity {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		return nil
	}

	user, exists := g.users[token]
	if !exists {
		return nil
	}
	return &user
}
