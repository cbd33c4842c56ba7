package doomslug

// ApprovalTracker accumulates weighted stake for a single (target_height,
// parent) bucket. Approvals can arrive before the corresponding blocks; a
// tracker is how we keep, for one bucket, exactly one witnessed approval
// per validator while running totals stay in sync (invariant I2).
type ApprovalTracker struct {
	witness          map[ValidatorAddress]WitnessEntry
	stakeByValidator map[ValidatorAddress]ApprovalStake

	totalStakeThisEpoch Balance
	totalStakeNextEpoch Balance

	approvedStakeThisEpoch Balance
	approvedStakeNextEpoch Balance

	// timePassedThreshold is set the first time the threshold predicate
	// returns true and is never cleared or moved afterward (invariant I3),
	// even if later withdrawals drop approved stake back below threshold.
	timePassedThreshold *Instant

	thresholdMode ThresholdMode
}

// newApprovalTracker creates a tracker for one bucket, summing the given
// (non-slashed) stake table into the bucket's totals.
func newApprovalTracker(stakeByValidator map[ValidatorAddress]ApprovalStake, mode ThresholdMode) *ApprovalTracker {
	t := &ApprovalTracker{
		witness:          make(map[ValidatorAddress]WitnessEntry),
		stakeByValidator: stakeByValidator,
		thresholdMode:    mode,
	}
	for _, stake := range stakeByValidator {
		t.totalStakeThisEpoch = t.totalStakeThisEpoch.Add(stake.StakeThisEpoch)
		t.totalStakeNextEpoch = t.totalStakeNextEpoch.Add(stake.StakeNextEpoch)
	}
	return t
}

// processApproval records approval's validator as having approved this
// bucket (first-wins: an already-witnessed validator's entry is left
// unchanged) and returns the bucket's current readiness.
func (t *ApprovalTracker) processApproval(now Instant, approval ApprovalValidated) Readiness {
	if _, alreadyWitnessed := t.witness[approval.Validator]; !alreadyWitnessed {
		t.witness[approval.Validator] = WitnessEntry{Approval: approval, Arrival: now}
		// Missing from the stake table maps to (0,0) rather than being
		// rejected here — membership was already checked one layer up in
		// TrackersAtHeight.processApproval.
		stake := t.stakeByValidator[approval.Validator]
		t.approvedStakeThisEpoch = t.approvedStakeThisEpoch.Add(stake.StakeThisEpoch)
		t.approvedStakeNextEpoch = t.approvedStakeNextEpoch.Add(stake.StakeNextEpoch)
	}

	// Re-evaluating readiness here (rather than only on demand) is what
	// starts the block-production clock the instant stake crosses the
	// threshold.
	return t.readiness(now)
}

// withdrawApproval removes validator's approval from the witness, if
// present, and subtracts its stake from the approved totals. No-op if the
// validator was never witnessed here.
func (t *ApprovalTracker) withdrawApproval(validator ValidatorAddress) {
	if _, ok := t.witness[validator]; !ok {
		return
	}
	delete(t.witness, validator)
	stake := t.stakeByValidator[validator]
	t.approvedStakeThisEpoch = t.approvedStakeThisEpoch.Sub(stake.StakeThisEpoch)
	t.approvedStakeNextEpoch = t.approvedStakeNextEpoch.Sub(stake.StakeNextEpoch)
}

// readiness evaluates the stake threshold. A NoApprovals tracker is always
// ready from its first approval. Comparisons against two-thirds of total
// stake are strict; next-epoch stake degenerates to trivially satisfied
// when its total is zero.
func (t *ApprovalTracker) readiness(now Instant) Readiness {
	crossed := t.thresholdMode == ThresholdModeNoApprovals ||
		(t.approvedStakeThisEpoch.ExceedsTwoThirdsOf(t.totalStakeThisEpoch) &&
			(t.totalStakeNextEpoch.IsZero() || t.approvedStakeNextEpoch.ExceedsTwoThirdsOf(t.totalStakeNextEpoch)))

	if !crossed {
		return NotReady()
	}
	if t.timePassedThreshold == nil {
		threshold := now
		t.timePassedThreshold = &threshold
	}
	return ReadySince(*t.timePassedThreshold)
}

// isEmpty reports whether the tracker currently witnesses no approvals —
// such trackers must not be retained by their owning TrackersAtHeight
// (invariant I6).
func (t *ApprovalTracker) isEmpty() bool {
	return len(t.witness) == 0
}
