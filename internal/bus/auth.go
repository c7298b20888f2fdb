package bus

// authorized reports whether session may fire entry. Entries without required
// groups are open to everyone; restricted entries need a session whose group
// set intersects theirs.
func authorized(entry HandlerEntry, session *Session) bool {
	if len(entry.RequiredGroups) == 0 {
		return true
	}
	if session == nil || len(session.Groups) == 0 {
		return false
	}
	for _, have := range session.Groups {
		for _, want := range entry.RequiredGroups {
			if have == want {
				return true
			}
		}
	}
	return false
}
