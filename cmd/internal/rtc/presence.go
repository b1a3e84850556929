package rtc

// presenceTable tracks per-user presence status.
//
// Convention: OFFLINE is represented by absence. set(user, StatusOffline)
// removes the entry so a table scan never reports an explicit OFFLINE row,
// matching the lookup contract of get.
type presenceTable struct {
	status map[UserID]Status
}

func newPresenceTable() *presenceTable {
	return &presenceTable{status: make(map[UserID]Status)}
}

func (p *presenceTable) set(user UserID, status Status) {
	if status == StatusOffline {
		delete(p.status, user)
		return
	}
	p.status[user] = status
}

// get defaults to StatusOffline for never-seen users. Pure read.
func (p *presenceTable) get(user UserID) Status {
	if s, ok := p.status[user]; ok {
		return s
	}
	return StatusOffline
}

func (p *presenceTable) remove(user UserID) {
	delete(p.status, user)
}
