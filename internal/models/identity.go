package models

// Identity is who the core is acting for. It is either Guest or
// Authenticated; a nil Identity means signed out.
type Identity interface {
	// OwnerID is the id stamped on records created under this identity.
	OwnerID() string
	isIdentity()
}

// Guest is an anonymous device-local session.
type Guest struct {
	SessionID string
}

func (g Guest) OwnerID() string { return g.SessionID }
func (Guest) isIdentity()       {}

// Authenticated is a signed-in user.
type Authenticated struct {
	UserID string
	Email  string
}

func (a Authenticated) OwnerID() string { return a.UserID }
func (Authenticated) isIdentity()       {}
