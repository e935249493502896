package runs

// Diff returns, per revision, the runs in fresh that are not yet known in
// known (matched by run id). Revisions without new runs are omitted.
//
// This is the only thing that keeps already-scored runs from being sent
// to the scoring engine again.
func Diff(known, fresh *RunsByRevision) map[string][]Run {
	updated := make(map[string][]Run, fresh.Len())

	for _, rr := range fresh.Items() {
		old, ok := known.Get(rr.Revision)
		if !ok {
			if len(rr.Runs) > 0 {
				updated[rr.Revision] = append([]Run(nil), rr.Runs...)
			}

			continue
		}

		var added []Run

		for _, run := range rr.Runs {
			if !old.Contains(run.ID) {
				added = append(added, run)
			}
		}

		if len(added) > 0 {
			updated[rr.Revision] = added
		}
	}

	return updated
}

// Revisions returns the key set of a diff.
func Revisions(diff map[string][]Run) map[string]struct{} {
	out := make(map[string]struct{}, len(diff))
	for revision := range diff {
		out[revision] = struct{}{}
	}

	return out
}
