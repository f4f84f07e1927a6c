package replicated

// Policy decides between concurrent versions. Both methods must be total,
// deterministic and independent of argument order for the merge to converge.
type Policy interface {
	// FieldWins reports whether remote replaces local for the same field of
	// the same incarnation.
	FieldWins(local, remote Field) bool
	// BirthWins reports whether the remote incarnation replaces the local one.
	BirthWins(local, remote Stamp) bool
}

// LWW is last-writer-wins on fields and earliest-birth-wins on incarnations.
type LWW struct{}

func (LWW) FieldWins(local, remote Field) bool {
	if c := remote.Stamp.Compare(local.Stamp); c != 0 {
		return c > 0
	}
	// Same stamp means the same write; order by bytes so a corrupted
	// duplicate still resolves the same way everywhere.
	return string(remote.Value) > string(local.Value)
}

func (LWW) BirthWins(local, remote Stamp) bool {
	return remote.Compare(local) < 0
}
