package ir

// ForwardRefs checks the log invariant: every id used as a target, receiver
// or argument reference must be RootID, one of the prebound ids, or the
// result of an EARLIER operation in the same log.
// Returns the offending ids in encounter order; nil means the log is valid.
func ForwardRefs(ops []Operation, prebound ...ID) []ID {
	known := make(map[ID]bool, len(ops)+len(prebound)+1)
	known[RootID] = true
	for _, id := range prebound {
		known[id] = true
	}

	var bad []ID
	check := func(id ID) {
		if id != "" && !known[id] {
			bad = append(bad, id)
		}
	}

	for _, op := range ops {
		check(op.Target)
		check(op.Receiver)
		for _, a := range op.Args {
			WalkRefs(a, check)
		}
		if op.Value != nil {
			WalkRefs(op.Value, check)
		}
		if op.Result != "" {
			known[op.Result] = true
		}
	}
	return bad
}

// WalkRefs calls fn for every IRRef id inside v, depth first.
func WalkRefs(v IRValue, fn func(ID)) {
	switch val := v.(type) {
	case IRRef:
		fn(val.ID)
	case IRArray:
		for _, e := range val {
			WalkRefs(e, fn)
		}
	case IRObject:
		for _, k := range val.SortedKeys() {
			WalkRefs(val[k], fn)
		}
	}
}
