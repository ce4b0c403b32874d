package models

// UIDRange is an inclusive span of IMAP UIDs within one folder.
type UIDRange struct {
	Start uint32
	End   uint32
}

// Contains reports whether uid falls inside the range.
func (r UIDRange) Contains(uid uint32) bool {
	return uid >= r.Start && uid <= r.End
}
