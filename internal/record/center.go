package record

// Well-known center names.
const (
	// HereName names the center row describing this installation.
	HereName = "Here"
	// InstallationName names the center an installation forked from.
	InstallationName = "Installation"
)

// Center is a peer installation taking part in replication.
type Center struct {
	// ID is the local row identifier.
	ID int64
	// CenterID is the peer's global identifier, UnknownCenterID until the
	// first successful contact.
	CenterID       int
	Name           string
	ServerURL      string
	ServerUserName string
	ServerPassword string
	// SyncFrequency is the automatic sync interval in milliseconds; 0 disables it.
	SyncFrequency int64
	Priority      int
	ClientUser    *User
	// ChangeSaveTime is the retention window, in milliseconds, that the
	// center promises its peers.
	ChangeSaveTime int64
	LastImport     int64
	LastExport     int64
	Deleted        bool
}

// NewCenter returns a center with an unknown global ID.
func NewCenter(name string) *Center {
	return &Center{CenterID: UnknownCenterID, Name: name}
}

// Clone returns a deep copy.
func (c *Center) Clone() *Center {
	cp := *c
	if c.ClientUser != nil {
		u := *c.ClientUser
		cp.ClientUser = &u
	}
	return &cp
}

// KnownID reports whether the peer's global center ID has been learned.
func (c *Center) KnownID() bool {
	return c.CenterID != UnknownCenterID
}

// CenterField is one audited field that differs between two versions of a center.
type CenterField struct {
	Name string
	Old  any
	New  any
}

// Diff lists the audited fields whose value differs from old. The result
// is in a fixed order so emitted changes are deterministic. Bookkeeping
// fields (CenterID, LastImport, LastExport, Deleted) are not audited.
func (c *Center) Diff(old *Center) []CenterField {
	var out []CenterField
	add := func(name string, o, n any) {
		if o != n {
			out = append(out, CenterField{Name: name, Old: o, New: n})
		}
	}
	add(CenterName, old.Name, c.Name)
	add(CenterURL, old.ServerURL, c.ServerURL)
	add(CenterServerUser, old.ServerUserName, c.ServerUserName)
	add(CenterServerPassword, old.ServerPassword, c.ServerPassword)
	add(CenterSyncFrequency, old.SyncFrequency, c.SyncFrequency)
	if userID(old.ClientUser) != userID(c.ClientUser) {
		out = append(out, CenterField{Name: CenterClientUser, Old: old.ClientUser, New: c.ClientUser})
	}
	add(CenterChangeSaveTime, old.ChangeSaveTime, c.ChangeSaveTime)
	add(CenterPriority, old.Priority, c.Priority)
	return out
}

func userID(u *User) int64 {
	if u == nil {
		return -1
	}
	return u.ID
}
