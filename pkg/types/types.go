package types

// LocationLocal is the user_locations value for users attached to this node.
const LocationLocal = "local"

// Wildcard addresses every recipient.
const Wildcard = "*"

// Role is the role a connection takes on its first classifying frame.
type Role int

const (
	RoleUnknown Role = iota
	RoleServer
	RoleUser
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleUser:
		return "user"
	default:
		return "unknown"
	}
}

type ServerAddr struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}
