package doomslug

// CanApprovedBlockBeProduced determines whether a block already assembled
// with a given set of approvals has enough stake behind it to be
// produced. Unlike the live ApprovalTracker bookkeeping above, this is a
// static, stateless check performed once over a finished block's
// approvals and the stake table for its epoch — used when validating a
// block someone else produced, not when deciding whether to produce one
// ourselves.
//
// approved and stakes must be parallel slices: approved[i] reports
// whether stakes[i]'s validator's approval is present on the block.
//
// Slashed validators still count toward the total stake in the
// denominator — a slashed validator doesn't shrink the bar other
// validators need to clear — but can never contribute to the approved
// side of the ratio, since their approval carries no weight.
func CanApprovedBlockBeProduced(mode ThresholdMode, approved []bool, stakes []ApprovalStakeInput) bool {
	if mode == ThresholdModeNoApprovals {
		return true
	}
	debugAssert(len(approved) == len(stakes), "approved/stakes length mismatch")

	var totalThisEpoch, totalNextEpoch Balance
	var approvedThisEpoch, approvedNextEpoch Balance

	for i, input := range stakes {
		totalThisEpoch = totalThisEpoch.Add(input.Stake.StakeThisEpoch)
		totalNextEpoch = totalNextEpoch.Add(input.Stake.StakeNextEpoch)
		if approved[i] && !input.IsSlashed {
			approvedThisEpoch = approvedThisEpoch.Add(input.Stake.StakeThisEpoch)
			approvedNextEpoch = approvedNextEpoch.Add(input.Stake.StakeNextEpoch)
		}
	}

	return (approvedThisEpoch.ExceedsTwoThirdsOf(totalThisEpoch) || totalThisEpoch.IsZero()) &&
		(approvedNextEpoch.ExceedsTwoThirdsOf(totalNextEpoch) || totalNextEpoch.IsZero())
}
