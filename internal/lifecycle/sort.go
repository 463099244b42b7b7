// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lifecycle

// Sort orders extensions so that each comes after the extensions it
// depends on. Dependency types missing from the input count as satisfied.
// Extensions with no relationship keep their input order.
//
// The order is built by a work-list with repair: an extension whose
// dependencies are not yet placed pulls them in ahead of itself, and an
// extension found already placed with dependencies still missing is moved
// to just after them. A final stable pass settles any dependency the
// repairs left behind. Cycles are not an error: the first extension of a
// stuck cycle, in repaired order, is placed and the rest follow.
func Sort(input []*Extension) []*Extension {
	present := make(map[TypeID]bool, len(input))
	for _, e := range input {
		present[e.Type()] = true
	}

	remaining := append([]*Extension(nil), input...)
	sorted := make([]*Extension, 0, len(input))

	for len(remaining) > 0 {
		next := remaining[0]
		remaining = remaining[1:]

		missing := missingDeps(next, sorted, present)
		idx := indexOf(sorted, next)

		switch {
		case idx < 0 && len(missing) == 0:
			sorted = append(sorted, next)

		case idx >= 0 && len(missing) > 0:
			deps := instances(missing, remaining)
			sorted = append(sorted[:idx:idx], sorted[idx+1:]...)
			sorted = insertAt(sorted, idx, deps...)
			sorted = insertAt(sorted, idx+len(deps), next)

		case idx >= 0:
			// Placed earlier as someone's dependency and already satisfied.

		default:
			for _, dep := range instances(missing, remaining) {
				if indexOf(sorted, dep) < 0 {
					sorted = append(sorted, dep)
				}
			}
			if indexOf(sorted, next) < 0 {
				sorted = append(sorted, next)
			}
		}
	}

	return settle(sorted, present)
}

// settle is a stable topological pass: it repeatedly takes the earliest
// extension whose dependencies are all taken. An order that is already
// valid comes back unchanged.
func settle(order []*Extension, present map[TypeID]bool) []*Extension {
	out := make([]*Extension, 0, len(order))
	placed := make(map[*Extension]bool, len(order))
	placedTypes := make(map[TypeID]int, len(order))
	total := make(map[TypeID]int, len(order))
	for _, e := range order {
		total[e.Type()]++
	}

	ready := func(e *Extension) bool {
		for _, dep := range e.desc.Dependencies {
			if dep == e.Type() || !present[dep] {
				continue
			}
			if placedTypes[dep] < total[dep] {
				return false
			}
		}
		return true
	}
	place := func(e *Extension) {
		placed[e] = true
		placedTypes[e.Type()]++
		out = append(out, e)
	}

	for len(out) < len(order) {
		var pick *Extension
		for _, e := range order {
			if !placed[e] && ready(e) {
				pick = e
				break
			}
		}
		if pick == nil {
			for _, e := range order {
				if !placed[e] {
					pick = e
					break
				}
			}
		}
		place(pick)
	}
	return out
}

// missingDeps lists next's dependency types that are in the input but not
// yet in sorted, in declaration order.
func missingDeps(next *Extension, sorted []*Extension, present map[TypeID]bool) []TypeID {
	var missing []TypeID
	for _, dep := range next.desc.Dependencies {
		if dep == next.Type() || !present[dep] || containsType(sorted, dep) {
			continue
		}
		missing = append(missing, dep)
	}
	return missing
}

// instances finds the first instance of each type in pool.
func instances(types []TypeID, pool []*Extension) []*Extension {
	var out []*Extension
	for _, t := range types {
		for _, e := range pool {
			if e.Type() == t {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

func containsType(list []*Extension, t TypeID) bool {
	for _, e := range list {
		if e.Type() == t {
			return true
		}
	}
	return false
}

func indexOf(list []*Extension, target *Extension) int {
	for i, e := range list {
		if e == target {
			return i
		}
	}
	return -1
}

func insertAt(list []*Extension, idx int, items ...*Extension) []*Extension {
	if len(items) == 0 {
		return list
	}
	out := make([]*Extension, 0, len(list)+len(items))
	out = append(out, list[:idx]...)
	out = append(out, items...)
	return append(out, list[idx:]...)
}

// dependentsOf returns, in order, the extensions that depend on failed
// directly or transitively.
func dependentsOf(failed *Extension, order []*Extension) []*Extension {
	doomed := map[TypeID]bool{failed.Type(): true}
	var out []*Extension
	for changed := true; changed; {
		changed = false
		for _, e := range order {
			if e == failed || indexOf(out, e) >= 0 {
				continue
			}
			for t := range doomed {
				if e.dependsOn(t) {
					out = append(out, e)
					doomed[e.Type()] = true
					changed = true
					break
				}
			}
		}
	}

	result := make([]*Extension, 0, len(out))
	for _, e := range order {
		if indexOf(out, e) >= 0 {
			result = append(result, e)
		}
	}
	return result
}
