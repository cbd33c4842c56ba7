package doomslug

import "testing"

func TestCanApprovedBlockBeProducedNoApprovalsMode(t *testing.T) {
	if !CanApprovedBlockBeProduced(ThresholdModeNoApprovals, nil, nil) {
		t.Fatal("NoApprovals mode should always permit production")
	}
}

func TestCanApprovedBlockBeProducedTwoThirds(t *testing.T) {
	stakes := []ApprovalStakeInput{
		{Stake: ApprovalStake{Validator: "v1", StakeThisEpoch: NewBalance(100)}},
		{Stake: ApprovalStake{Validator: "v2", StakeThisEpoch: NewBalance(100)}},
		{Stake: ApprovalStake{Validator: "v3", StakeThisEpoch: NewBalance(100)}},
	}

	if CanApprovedBlockBeProduced(ThresholdModeTwoThirds, []bool{true, true, false}, stakes) {
		t.Fatal("200/300 should not clear the strict two-thirds threshold")
	}
	if !CanApprovedBlockBeProduced(ThresholdModeTwoThirds, []bool{true, true, true}, stakes) {
		t.Fatal("300/300 should clear the threshold")
	}
}

func TestCanApprovedBlockBeProducedSlashedExcluded(t *testing.T) {
	stakes := []ApprovalStakeInput{
		{Stake: ApprovalStake{Validator: "v1", StakeThisEpoch: NewBalance(100)}, IsSlashed: true},
		{Stake: ApprovalStake{Validator: "v2", StakeThisEpoch: NewBalance(100)}},
	}
	// v1's stake still counts toward the 200 total even though it is
	// slashed, so v2 approving alone (100/200) does not clear two-thirds.
	if CanApprovedBlockBeProduced(ThresholdModeTwoThirds, []bool{false, true}, stakes) {
		t.Fatal("slashed stake should still count toward the total, so 100/200 should not clear the threshold")
	}
	// Even if the slashed validator's approval is marked present, its
	// stake never contributes to the approved side.
	if CanApprovedBlockBeProduced(ThresholdModeTwoThirds, []bool{true, true}, stakes) {
		t.Fatal("a slashed validator's approval should never count toward approved stake")
	}
}

func TestCanApprovedBlockBeProducedZeroStakeTrivial(t *testing.T) {
	if !CanApprovedBlockBeProduced(ThresholdModeTwoThirds, nil, nil) {
		t.Fatal("zero total stake in both epochs should trivially satisfy the threshold")
	}
}
