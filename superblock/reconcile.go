package superblock

// Reconciled is the result of comparing the two superblocks read from a
// raid1 array's mirror devices at mount time.
type Reconciled struct {
	// Clean is the index (0=A, 1=B) of the side reconciliation trusts as
	// up to date. When the array isn't degraded both sides are equally
	// trusted and Clean is 0 by convention.
	Clean int
	// Degraded is true when the two sides disagree enough that the
	// other side must be treated as stale and fully or partially
	// resynced.
	Degraded bool
	ReadRoute ReadRoute
}

// Reconcile decides which side of a raid1 array is authoritative, given
// the superblocks read from both (isNewA/isNewB mark a side that has no
// valid superblock at all, i.e. this is its first mount). This follows
// original_source's age-based selection, generalized per the decision
// recorded in SPEC_FULL.md for the matching-age-opposite-clean_unmount
// case: reconciliation doesn't invent a winner there, it keeps the array
// CLEAN with ReadRoute EITHER.
func Reconcile(a, b Raid1, isNewA, isNewB bool) Reconciled {
	switch {
	case isNewA && isNewB:
		return Reconciled{Clean: 0, Degraded: false, ReadRoute: ReadRouteEither}
	case isNewA:
		return Reconciled{Clean: 1, Degraded: true, ReadRoute: ReadRouteDevB}
	case isNewB:
		return Reconciled{Clean: 0, Degraded: true, ReadRoute: ReadRouteDevA}
	}

	switch {
	case a.Age > b.Age+1:
		return Reconciled{Clean: 0, Degraded: true, ReadRoute: ReadRouteDevA}
	case b.Age > a.Age+1:
		return Reconciled{Clean: 1, Degraded: true, ReadRoute: ReadRouteDevB}
	}

	// Ages within 1 of each other: both sides believe themselves
	// consistent at essentially the same generation, so the result is
	// always CLEAN with ReadRoute EITHER per the Open Question decision —
	// a genuine divergence would have produced a larger age gap, not a
	// matching one. If exactly one side was cleanly unmounted last, Clean
	// names it; otherwise (both unclean, or both clean) Clean is side A.
	switch {
	case a.CleanUnmount && !b.CleanUnmount:
		return Reconciled{Clean: 0, Degraded: false, ReadRoute: ReadRouteEither}
	case b.CleanUnmount && !a.CleanUnmount:
		return Reconciled{Clean: 1, Degraded: false, ReadRoute: ReadRouteEither}
	default:
		return Reconciled{Clean: 0, Degraded: false, ReadRoute: ReadRouteEither}
	}
}
