package session

import "odin-term/internal/authority"

// Principal is the immutable identity attached to a connection at
// handshake time by the (external) identity collaborator. It is shared by
// reference across every Subscriber the connection opens.
type Principal struct {
	UserID      string
	DisplayName string
	Role        authority.Role
	AvatarHint  string
}
