package castellan

// Role is the closed set of account roles on the platform. Permission checks
// go through a capability lookup, never through type dispatch on the user
// record.
type Role uint8

const (
	// RoleViewer can browse the catalog and manage its own playlists.
	RoleViewer Role = iota
	// RoleManager can additionally publish and curate content.
	RoleManager
	// RoleAdmin can additionally administer accounts.
	RoleAdmin
)

// Capability names a single permitted action.
type Capability string

const (
	CapBrowse         Capability = "browse"
	CapManagePlaylist Capability = "playlist.manage"
	CapPublish        Capability = "content.publish"
	CapCurate         Capability = "content.curate"
	CapAdminAccounts  Capability = "accounts.admin"
)

var roleCapabilities = map[Role][]Capability{
	RoleViewer:  {CapBrowse, CapManagePlaylist},
	RoleManager: {CapBrowse, CapManagePlaylist, CapPublish, CapCurate},
	RoleAdmin:   {CapBrowse, CapManagePlaylist, CapPublish, CapCurate, CapAdminAccounts},
}

// Can reports whether the role grants the capability. Unknown roles grant
// nothing.
func (r Role) Can(c Capability) bool {
	for _, have := range roleCapabilities[r] {
		if have == c {
			return true
		}
	}
	return false
}

// Capabilities returns a copy of the role's capability list.
func (r Role) Capabilities() []Capability {
	caps := roleCapabilities[r]
	out := make([]Capability, len(caps))
	copy(out, caps)
	return out
}

func (r Role) String() string {
	switch r {
	case RoleViewer:
		return "viewer"
	case RoleManager:
		return "manager"
	case RoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// ParseRole maps a stored role name onto the closed set. Unrecognized names
// fall back to the least-privileged role.
func ParseRole(s string) Role {
	switch s {
	case "admin":
		return RoleAdmin
	case "manager":
		return RoleManager
	default:
		return RoleViewer
	}
}
