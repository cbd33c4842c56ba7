package doomslug

import "time"

// BlockHash is an opaque, fixed-width block identifier. Hashing of block
// contents happens outside this package; here it is just a comparable
// value.
type BlockHash string

// ValidatorAddress identifies a validator. Signature validation and
// validator-set membership are external collaborators; here it is just a
// comparable, hashable key.
type ValidatorAddress string

// Instant is a caller-supplied monotonic timestamp, expressed as a count
// of nanoseconds from an arbitrary reference point. The core never reads
// the system clock to make a consensus decision — every time-sensitive
// operation takes an Instant as an explicit argument, which keeps the
// state machine deterministic and table-test friendly.
type Instant int64

// Add returns the instant d after i.
func (i Instant) Add(d time.Duration) Instant {
	return i + Instant(d)
}

// Sub returns the duration elapsed between i and earlier (i - earlier).
func (i Instant) Sub(earlier Instant) time.Duration {
	return time.Duration(i - earlier)
}

// ThresholdMode selects the block-production stake rule.
type ThresholdMode int

const (
	// ThresholdModeTwoThirds is the production rule: a bucket is ready
	// once approved stake strictly exceeds two-thirds of total stake in
	// both epochs.
	ThresholdModeTwoThirds ThresholdMode = iota
	// ThresholdModeNoApprovals is a test-only bypass that reports ready
	// on the very first approval processed, regardless of stake.
	ThresholdModeNoApprovals
)

// ApprovalInner is the parent pointer an approval carries: either a
// specific parent block (an endorsement) or a parent height with no
// specific hash (a skip). It is Go's nearest equivalent of a tagged union
// that remains usable as a map key — both concrete variants below are
// plain comparable structs, so the interface value itself is comparable
// and hashable, and the two variants never compare equal to each other.
type ApprovalInner interface {
	isApprovalInner()
}

// Endorsement is an approval whose parent pointer is a specific block
// hash: target_height == parent_height+1.
type Endorsement struct {
	ParentHash BlockHash
}

func (Endorsement) isApprovalInner() {}

// Skip is an approval whose parent pointer is just a height: the target
// height is further ahead than parent+1.
type Skip struct {
	ParentHeight BlockHeight
}

func (Skip) isApprovalInner() {}

// NewApprovalInner builds the parent pointer for an approval from
// (prevHash, parentHeight, targetHeight): an Endorsement if the target is
// exactly one past the parent, a Skip otherwise.
func NewApprovalInner(prevHash BlockHash, parentHeight, targetHeight BlockHeight) ApprovalInner {
	if targetHeight == parentHeight+1 {
		return Endorsement{ParentHash: prevHash}
	}
	return Skip{ParentHeight: parentHeight}
}

// ApprovalContent is the payload of an approval message: what is being
// approved (Inner) and for which target height.
type ApprovalContent struct {
	Inner        ApprovalInner
	TargetHeight BlockHeight
}

// NewApprovalContent constructs the content of an approval for
// targetHeight, built against the given parent.
func NewApprovalContent(prevHash BlockHash, parentHeight, targetHeight BlockHeight) ApprovalContent {
	return ApprovalContent{
		Inner:        NewApprovalInner(prevHash, parentHeight, targetHeight),
		TargetHeight: targetHeight,
	}
}

// ApprovalValidated is an approval that the caller has already checked for
// a valid signature and validator-set membership.
type ApprovalValidated struct {
	Content   ApprovalContent
	Validator ValidatorAddress
}

// ApprovalStake is one validator's weighted stake across the two epochs
// the engine tracks simultaneously.
type ApprovalStake struct {
	Validator      ValidatorAddress
	StakeThisEpoch Balance
	StakeNextEpoch Balance
}

// ApprovalStakeInput pairs a stake entry with whether the validator is
// currently slashed. Slashed validators never contribute to approved or
// total stake in the per-tracker bookkeeping (see buildStakeMap in
// trackers_at_height.go); the static
// can_approved_block_be_produced predicate in threshold.go applies the
// slashed filter differently — see its doc comment.
type ApprovalStakeInput struct {
	Stake     ApprovalStake
	IsSlashed bool
}

// WitnessEntry records one validator's approval together with the
// monotonic instant it arrived.
type WitnessEntry struct {
	Approval ApprovalValidated
	Arrival  Instant
}

// Readiness is the tri-state result of evaluating a tracker's stake
// against the threshold: either not ready, or ready since some instant.
type Readiness struct {
	ready bool
	since Instant
}

// NotReady is the readiness value for a bucket that has not crossed the
// stake threshold.
func NotReady() Readiness { return Readiness{} }

// ReadySince is the readiness value for a bucket that crossed the stake
// threshold at instant t.
func ReadySince(t Instant) Readiness { return Readiness{ready: true, since: t} }

// IsReady reports whether the bucket has crossed the threshold.
func (r Readiness) IsReady() bool { return r.ready }

// Since returns the instant the threshold was crossed, and true, if the
// bucket is ready; otherwise it returns the zero Instant and false.
func (r Readiness) Since() (Instant, bool) { return r.since, r.ready }

// ApprovalHistoryEntry is one entry in the engine's bounded debug ring
// buffer (see Engine.updateHistory in engine.go). It never affects
// consensus behavior.
type ApprovalHistoryEntry struct {
	ParentHeight           BlockHeight
	TargetHeight           BlockHeight
	TimerStartedAgoMillis  int64
	ExpectedDelayMillis    int64
	ApprovalCreationTime   time.Time
}
