package doomslug

// validatorStatus reports one validator's current vote at a height, for
// debugging surfaces only.
type validatorStatus struct {
	Validator ValidatorAddress
	Inner     ApprovalInner
	Arrival   Instant
}

// trackersAtHeight holds every distinct ApprovalInner bucket seen so far
// for one target height. Approvals can arrive before the corresponding
// blocks, and for each validator we keep exactly one approval, whichever
// came last; lastApprovalPerValidator is what lets a newer approval
// withdraw an older one from its old bucket before joining its new one.
type trackersAtHeight struct {
	trackers                 map[ApprovalInner]*ApprovalTracker
	lastApprovalPerValidator map[ValidatorAddress]ApprovalInner
}

func newTrackersAtHeight() *trackersAtHeight {
	return &trackersAtHeight{
		trackers:                 make(map[ApprovalInner]*ApprovalTracker),
		lastApprovalPerValidator: make(map[ValidatorAddress]ApprovalInner),
	}
}

// processApproval is a wrapper around ApprovalTracker.processApproval that
// additionally ensures only one approval per validator is tracked at this
// height: if this validator already has a different approval recorded
// here, it is withdrawn from its old bucket first. stakes is the current
// (possibly slashed) stake snapshot for every validator in the epoch;
// approvals from a validator absent from the non-slashed subset of it are
// dropped as NotReady without ever being recorded.
func (h *trackersAtHeight) processApproval(now Instant, approval ApprovalValidated, stakes []ApprovalStakeInput, mode ThresholdMode) Readiness {
	if lastParent, ok := h.lastApprovalPerValidator[approval.Validator]; ok {
		if tracker, ok := h.trackers[lastParent]; ok {
			tracker.withdrawApproval(approval.Validator)
			if tracker.isEmpty() {
				delete(h.trackers, lastParent)
			}
		}
	}

	stakeByValidator := buildStakeMap(stakes)
	if _, ok := stakeByValidator[approval.Validator]; !ok {
		return NotReady()
	}

	h.lastApprovalPerValidator[approval.Validator] = approval.Content.Inner

	tracker, ok := h.trackers[approval.Content.Inner]
	if !ok {
		tracker = newApprovalTracker(stakeByValidator, mode)
		h.trackers[approval.Content.Inner] = tracker
	}
	return tracker.processApproval(now, approval)
}

// earliestThresholdCrossing returns the earliest instant any bucket at
// this height crossed its threshold, for debugging surfaces that want a
// single "ready_at" timestamp for the whole height rather than per-bucket.
func (h *trackersAtHeight) earliestThresholdCrossing() (Instant, bool) {
	var earliest Instant
	found := false
	for _, tracker := range h.trackers {
		if tracker.timePassedThreshold == nil {
			continue
		}
		if !found || *tracker.timePassedThreshold < earliest {
			earliest = *tracker.timePassedThreshold
			found = true
		}
	}
	return earliest, found
}

// validatorStatuses lists every validator's current vote at this height,
// for read-only debugging surfaces.
func (h *trackersAtHeight) validatorStatuses() []validatorStatus {
	var out []validatorStatus
	for inner, tracker := range h.trackers {
		for validator, entry := range tracker.witness {
			out = append(out, validatorStatus{Validator: validator, Inner: inner, Arrival: entry.Arrival})
		}
	}
	return out
}

// isEmpty reports whether every bucket at this height has been dropped.
func (h *trackersAtHeight) isEmpty() bool {
	return len(h.trackers) == 0
}

// buildStakeMap indexes a stake snapshot by validator, dropping slashed
// entries entirely (they never contribute to approved or total stake) and
// asserting no validator address appears twice in the raw input — the
// stake table is expected to come from a validator set that has already
// deduplicated addresses.
func buildStakeMap(stakes []ApprovalStakeInput) map[ValidatorAddress]ApprovalStake {
	seen := make(map[ValidatorAddress]bool, len(stakes))
	out := make(map[ValidatorAddress]ApprovalStake)
	for _, input := range stakes {
		debugAssert(!seen[input.Stake.Validator], "duplicate validator in stake table")
		seen[input.Stake.Validator] = true
		if input.IsSlashed {
			continue
		}
		out[input.Stake.Validator] = input.Stake
	}
	return out
}
