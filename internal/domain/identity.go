package domain

// Identity is the opaque caller pair handed to the orchestrator.
type Identity struct {
	UserID      string
	DisplayName string
}

// Anonymous reports whether no user id was resolved.
func (i Identity) Anonymous() bool {
	return i.UserID == ""
}
