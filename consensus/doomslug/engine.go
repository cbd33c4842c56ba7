package doomslug

import (
	"sync"
	"time"
)

// Constants governing how much approval bookkeeping the engine retains.
// Named after, and with the same values as, the reference implementation
// this package's algorithm is ported from.
const (
	// maxTimerIterations bounds a single ProcessTimer call so a caller that
	// passes a cur_time far ahead of the last call can never spin the
	// engine forever in one invocation.
	maxTimerIterations = 20

	// maxHeightsAheadToStoreApprovals bounds how far past the tip an
	// approval's target height may be and still get tracked, so a flood of
	// approvals for absurd future heights cannot grow memory unboundedly.
	maxHeightsAheadToStoreApprovals BlockHeightDelta = 10_000

	// maxHeightsBeforeToStoreApprovals bounds how far behind the tip a
	// tracked height may fall before OnBlock prunes it.
	maxHeightsBeforeToStoreApprovals BlockHeightDelta = 20

	// maxHistorySize caps the debug approval-history ring buffer.
	maxHistorySize = 1000
)

// DoomslugTip is what the engine knows about the current chain tip.
type DoomslugTip struct {
	BlockHash BlockHash
	Height    BlockHeight
}

// Config holds the engine's fixed timer parameters, supplied once at
// construction.
type Config struct {
	EndorsementDelay time.Duration
	MinDelay         time.Duration
	DelayStep        time.Duration
	MaxDelay         time.Duration
	ThresholdMode    ThresholdMode

	// Clock supplies wall-clock time for debug history entries only. If
	// nil, time.Now is used.
	Clock Clock
}

// Engine holds all Doomslug bookkeeping for one block producer: no
// storage, no network, no epoch management of its own. Everything it
// needs arrives as explicit arguments, and every decision it reaches is a
// pure function of that input plus its own prior state, which is what
// lets it run identically in tests and in production.
type Engine struct {
	mu sync.Mutex

	approvalTracking map[BlockHeight]*trackersAtHeight

	largestSentTargetHeight          BlockHeight
	largestFinalHeight               BlockHeight
	largestThresholdApprovalsHeight  BlockHeight
	largestApprovalTargetHeight      BlockHeight

	tip                DoomslugTip
	endorsementPending bool
	timer              timer
	thresholdMode      ThresholdMode
	history            []ApprovalHistoryEntry

	clock Clock
}

// New creates an engine whose timer starts at now, having already sent
// approvals up to largestSentTargetHeight (the watermark a restarting
// node persists so it never re-sends an approval it already committed
// to).
func New(now Instant, largestSentTargetHeight BlockHeight, cfg Config) *Engine {
	clock := cfg.Clock
	if clock == nil {
		clock = defaultClock
	}
	return &Engine{
		approvalTracking:        make(map[BlockHeight]*trackersAtHeight),
		largestSentTargetHeight: largestSentTargetHeight,
		timer: timer{
			started:             now,
			lastEndorsementSent: now,
			height:              0,
			endorsementDelay:    cfg.EndorsementDelay,
			minDelay:            cfg.MinDelay,
			delayStep:           cfg.DelayStep,
			maxDelay:            cfg.MaxDelay,
		},
		thresholdMode: cfg.ThresholdMode,
		clock:         clock,
	}
}

// GetTip returns the current tip.
func (e *Engine) GetTip() DoomslugTip {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tip
}

// GetLargestHeightCrossingThreshold returns the largest height for which
// the engine has seen enough approvals to theoretically produce a block
// (time-based gating in ReadyToProduceBlock may still delay production).
func (e *Engine) GetLargestHeightCrossingThreshold() BlockHeight {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.largestThresholdApprovalsHeight
}

// GetLargestApprovalTargetHeight returns the largest target height of any
// approval the engine has received.
func (e *Engine) GetLargestApprovalTargetHeight() BlockHeight {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.largestApprovalTargetHeight
}

// GetLargestFinalHeight returns the largest height known to have
// doomslug finality.
func (e *Engine) GetLargestFinalHeight() BlockHeight {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.largestFinalHeight
}

// GetLargestSentTargetHeight returns the largest target height for which
// this engine has issued an approval.
func (e *Engine) GetLargestSentTargetHeight() BlockHeight {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.largestSentTargetHeight
}

// GetTimerHeight returns the height the internal timer is currently
// counting down on.
func (e *Engine) GetTimerHeight() BlockHeight {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timer.height
}

// GetTimerStart returns the instant the current timer period began.
func (e *Engine) GetTimerStart() Instant {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timer.started
}

// GetApprovalHistory returns a copy of the current debug approval
// history, oldest first.
func (e *Engine) GetApprovalHistory() []ApprovalHistoryEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ApprovalHistoryEntry, len(e.history))
	copy(out, e.history)
	return out
}

func (e *Engine) updateHistory(entry ApprovalHistoryEntry) {
	if len(e.history) >= maxHistorySize {
		e.history = e.history[1:]
	}
	e.history = append(e.history, entry)
}

// ProcessTimer is the engine's heartbeat: called periodically with the
// current time, it sends the pending endorsement (if its delay has
// elapsed) and advances the skip timer through as many heights as
// cur_time allows, bounded by maxTimerIterations so a caller that falls
// behind can never spin this call forever. It returns every approval that
// needs to be broadcast as a result.
//
// Endorsements are generated here rather than the instant a block
// arrives so that, on an unusually fast network, block production still
// staggers across the configured delay instead of racing ahead.
func (e *Engine) ProcessTimer(curTime Instant) []ApprovalContent {
	e.mu.Lock()
	defer e.mu.Unlock()

	var ret []ApprovalContent

	for i := 0; i < maxTimerIterations; i++ {
		skipDelay := e.timer.getDelay(satSubHeight(e.timer.height, e.largestFinalHeight))
		debugAssert(skipDelay >= 2*e.timer.endorsementDelay, "skip delay too close to endorsement delay")

		tipHeight := e.tip.Height

		if e.endorsementPending && curTime >= e.timer.lastEndorsementSent.Add(e.timer.endorsementDelay) {
			if tipHeight >= e.largestSentTargetHeight {
				e.largestSentTargetHeight = tipHeight + 1
				if approval := e.createApproval(tipHeight + 1); approval != nil {
					ret = append(ret, *approval)
				}
				e.updateHistory(ApprovalHistoryEntry{
					ParentHeight:          tipHeight,
					TargetHeight:          tipHeight + 1,
					TimerStartedAgoMillis: curTime.Sub(e.timer.lastEndorsementSent).Milliseconds(),
					ExpectedDelayMillis:   e.timer.endorsementDelay.Milliseconds(),
					ApprovalCreationTime:  e.clock(),
				})
			}
			e.timer.lastEndorsementSent = curTime
			e.endorsementPending = false
		}

		if curTime >= e.timer.started.Add(skipDelay) {
			debugAssert(!e.endorsementPending, "skip fired while an endorsement was still pending")

			if e.timer.height+1 > e.largestSentTargetHeight {
				e.largestSentTargetHeight = e.timer.height + 1
			}
			if approval := e.createApproval(e.timer.height + 1); approval != nil {
				ret = append(ret, *approval)
			}
			e.updateHistory(ApprovalHistoryEntry{
				ParentHeight:          tipHeight,
				TargetHeight:          e.timer.height + 1,
				TimerStartedAgoMillis: curTime.Sub(e.timer.started).Milliseconds(),
				ExpectedDelayMillis:   skipDelay.Milliseconds(),
				ApprovalCreationTime:  e.clock(),
			})

			e.timer.started = e.timer.started.Add(skipDelay)
			e.timer.height++
		} else {
			break
		}
	}

	return ret
}

func (e *Engine) createApproval(targetHeight BlockHeight) *ApprovalContent {
	content := NewApprovalContent(e.tip.BlockHash, e.tip.Height, targetHeight)
	return &content
}

// GetWitness returns every approval this engine has recorded for the
// bucket identified by (prevHash, parentHeight, targetHeight), or an
// empty map if nothing has been recorded for it.
func (e *Engine) GetWitness(prevHash BlockHash, parentHeight, targetHeight BlockHeight) map[ValidatorAddress]WitnessEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	inner := NewApprovalInner(prevHash, parentHeight, targetHeight)
	at, ok := e.approvalTracking[targetHeight]
	if !ok {
		return map[ValidatorAddress]WitnessEntry{}
	}
	tracker, ok := at.trackers[inner]
	if !ok {
		return map[ValidatorAddress]WitnessEntry{}
	}
	out := make(map[ValidatorAddress]WitnessEntry, len(tracker.witness))
	for k, v := range tracker.witness {
		out[k] = v
	}
	return out
}

// OnBlock updates the tip with a newly-accepted block and restarts the
// skip timer accordingly. The caller must have already validated the
// block; height is expected to strictly increase except for the very
// first call.
func (e *Engine) OnBlock(now Instant, blockHash BlockHash, height, lastFinalHeight BlockHeight) {
	e.mu.Lock()
	defer e.mu.Unlock()

	debugAssert(height > e.tip.Height || e.tip.Height == 0, "tip height did not advance")
	e.tip = DoomslugTip{BlockHash: blockHash, Height: height}
	e.largestFinalHeight = lastFinalHeight
	e.timer.height = height + 1
	e.timer.started = now

	for h := range e.approvalTracking {
		if !(h > satSubHeightAsHeight(height, maxHeightsBeforeToStoreApprovals) && h <= height+BlockHeight(maxHeightsAheadToStoreApprovals)) {
			delete(e.approvalTracking, h)
		}
	}

	e.endorsementPending = true
}

func satSubHeightAsHeight(h BlockHeight, d BlockHeightDelta) BlockHeight {
	if BlockHeightDelta(h) <= d {
		return 0
	}
	return h - BlockHeight(d)
}

// OnApproval records a single approval message. It silently drops
// approvals for heights too far behind or ahead of the tip to be worth
// tracking — there is nothing useful a caller can do with that outcome,
// so unlike OnApproval's internal counterpart it has no return value.
func (e *Engine) OnApproval(now Instant, approval ApprovalValidated, stakes []ApprovalStakeInput) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onApprovalInternal(now, approval, stakes)
}

// onApprovalInternal records approval and returns the resulting
// readiness of its bucket. Must be called with mu held.
func (e *Engine) onApprovalInternal(now Instant, approval ApprovalValidated, stakes []ApprovalStakeInput) Readiness {
	targetHeight := approval.Content.TargetHeight
	if targetHeight < e.tip.Height || BlockHeightDelta(targetHeight-e.tip.Height) > maxHeightsAheadToStoreApprovals {
		return NotReady()
	}

	at, ok := e.approvalTracking[targetHeight]
	if !ok {
		at = newTrackersAtHeight()
		e.approvalTracking[targetHeight] = at
	}
	readiness := at.processApproval(now, approval, stakes, e.thresholdMode)

	if targetHeight > e.largestApprovalTargetHeight {
		e.largestApprovalTargetHeight = targetHeight
	}
	if readiness.IsReady() && targetHeight > e.largestThresholdApprovalsHeight {
		e.largestThresholdApprovalsHeight = targetHeight
	}
	return readiness
}

// HeightApprovalStatus is the read-only snapshot ApprovalStatusAtHeight
// returns: who has voted for what at a height, and since when (if ever)
// the height's stake crossed the production threshold.
type HeightApprovalStatus struct {
	Validators []validatorStatus
	ReadyAt    *time.Time
}

// ApprovalStatusAtHeight reports the current approval status for height.
// Only works for heights still tracked in memory — those not older than
// maxHeightsBeforeToStoreApprovals below the tip.
func (e *Engine) ApprovalStatusAtHeight(height BlockHeight) HeightApprovalStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	at, ok := e.approvalTracking[height]
	if !ok {
		return HeightApprovalStatus{}
	}

	status := HeightApprovalStatus{Validators: at.validatorStatuses()}
	if since, ok := at.earliestThresholdCrossing(); ok {
		// This is the one place the engine converts an Instant to a
		// wall-clock time: it is a read-only debugging query, not a
		// production decision, so reading time.Now to perform the
		// conversion never affects consensus behavior.
		wall := monoToWall(since, e.clock)
		status.ReadyAt = &wall
	}
	return status
}

// monoToWall estimates the wall-clock time corresponding to an Instant by
// taking time.Now().UnixNano() as the current Instant (the same reading
// the node uses when it creates Instants), measuring how long ago since
// was, then subtracting that from clock()'s wall-clock reading. If that
// subtraction overflows, it returns one day before clock() instead.
func monoToWall(since Instant, clock Clock) time.Time {
	nowMono := Instant(time.Now().UnixNano())
	diff := nowMono - since
	if (since > 0 && diff > nowMono) || (since < 0 && diff < nowMono) {
		return clock().Add(-24 * time.Hour)
	}
	return clock().Add(-time.Duration(diff))
}

// ReadyToProduceBlock reports whether the engine has enough approvals to
// produce a block at targetHeight, built on the current tip. If
// hasEnoughChunks is false, production additionally waits for
// T(heightsSinceFinal)/6 to pass since the threshold was first crossed,
// even though the stake requirement is already satisfied.
func (e *Engine) ReadyToProduceBlock(now Instant, targetHeight BlockHeight, hasEnoughChunks bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	inner := NewApprovalInner(e.tip.BlockHash, e.tip.Height, targetHeight)
	at, ok := e.approvalTracking[targetHeight]
	if !ok {
		return false
	}
	tracker, ok := at.trackers[inner]
	if !ok {
		return false
	}

	readiness := tracker.readiness(now)
	since, ok := readiness.Since()
	if !ok {
		return false
	}
	if hasEnoughChunks {
		return true
	}

	delay := e.timer.getDelay(satSubHeight(e.timer.height, e.largestFinalHeight)) / 6
	return now > since.Add(delay)
}
