package review

// Aggregate collapses reviewer decisions into one status. It is a pure
// function of its inputs: same decisions, strategy and quorum always yield
// the same status.
//
// Semantics:
//   - single-reviewer / first-reviewer: the first decision wins.
//   - majority: most votes wins; ties resolve to rejected.
//   - consensus: below the quorum the candidate stays pending; a unanimous
//     quorum yields that status; otherwise majority decides.
//   - unanimous: every decision must match, else the candidate stays pending.
//
// The tie-to-rejected and disagreement-to-pending asymmetries are deliberate
// conservative defaults; do not "fix" them.
func Aggregate(decisions []Decision, strategy Strategy, requiredReviewers int) Status {
	if len(decisions) == 0 {
		return StatusPending
	}

	switch strategy {
	case SingleReviewer, FirstReviewer:
		return decisions[0].Status

	case Majority:
		return majority(decisions)

	case Consensus:
		if requiredReviewers <= 0 {
			requiredReviewers = 1
		}
		if len(decisions) < requiredReviewers {
			return StatusPending
		}
		if s, ok := unanimous(decisions); ok {
			return s
		}
		return majority(decisions)

	case Unanimous:
		if s, ok := unanimous(decisions); ok {
			return s
		}
		return StatusPending
	}

	// Unknown strategies behave like first-reviewer rather than guessing.
	return decisions[0].Status
}

func majority(decisions []Decision) Status {
	var accepted, rejected int
	for _, d := range decisions {
		switch d.Status {
		case StatusAccepted:
			accepted++
		case StatusRejected:
			rejected++
		}
	}
	if accepted == 0 && rejected == 0 {
		return StatusPending
	}
	if accepted > rejected {
		return StatusAccepted
	}
	return StatusRejected
}

func unanimous(decisions []Decision) (Status, bool) {
	first := decisions[0].Status
	for _, d := range decisions[1:] {
		if d.Status != first {
			return StatusPending, false
		}
	}
	return first, true
}
