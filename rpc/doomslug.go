package rpc

import (
	"encoding/json"
	"time"

	"github.com/tolelom/tolchain/consensus/doomslug"
)

// SetDoomslugEngine attaches the finality core whose status the
// getDoomslugStatus/getApprovalStatus/getWitness methods report. Left
// unset, those methods return CodeMethodNotFound — a node running
// without consensus wired up (e.g. a read-only indexer) simply doesn't
// expose them.
func (h *Handler) SetDoomslugEngine(engine *doomslug.Engine) {
	h.doomslug = engine
}

// DoomslugStatus is the response shape for getDoomslugStatus.
type DoomslugStatus struct {
	TipHeight                 int64 `json:"tip_height"`
	LargestFinalHeight        int64 `json:"largest_final_height"`
	LargestThresholdHeight    int64 `json:"largest_threshold_approvals_height"`
	LargestApprovalTarget     int64 `json:"largest_approval_target_height"`
	LargestSentTargetHeight   int64 `json:"largest_sent_target_height"`
	TimerHeight               int64 `json:"timer_height"`
}

func (h *Handler) getDoomslugStatus(req Request) Response {
	if h.doomslug == nil {
		return errResponse(req.ID, CodeMethodNotFound, "doomslug engine not configured on this node")
	}
	tip := h.doomslug.GetTip()
	return okResponse(req.ID, DoomslugStatus{
		TipHeight:               int64(tip.Height),
		LargestFinalHeight:      int64(h.doomslug.GetLargestFinalHeight()),
		LargestThresholdHeight:  int64(h.doomslug.GetLargestHeightCrossingThreshold()),
		LargestApprovalTarget:   int64(h.doomslug.GetLargestApprovalTargetHeight()),
		LargestSentTargetHeight: int64(h.doomslug.GetLargestSentTargetHeight()),
		TimerHeight:             int64(h.doomslug.GetTimerHeight()),
	})
}

func (h *Handler) getApprovalStatus(req Request) Response {
	if h.doomslug == nil {
		return errResponse(req.ID, CodeMethodNotFound, "doomslug engine not configured on this node")
	}
	var params struct {
		Height int64 `json:"height"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}
	status := h.doomslug.ApprovalStatusAtHeight(doomslug.BlockHeight(params.Height))

	type validatorVote struct {
		Validator string `json:"validator"`
		IsSkip    bool   `json:"is_skip"`
	}
	votes := make([]validatorVote, 0, len(status.Validators))
	for _, v := range status.Validators {
		_, isSkip := v.Inner.(doomslug.Skip)
		votes = append(votes, validatorVote{Validator: string(v.Validator), IsSkip: isSkip})
	}

	var readyAt *time.Time
	if status.ReadyAt != nil {
		readyAt = status.ReadyAt
	}

	return okResponse(req.ID, struct {
		Validators []validatorVote `json:"validators"`
		ReadyAt    *time.Time      `json:"ready_at,omitempty"`
	}{Validators: votes, ReadyAt: readyAt})
}

func (h *Handler) getWitness(req Request) Response {
	if h.doomslug == nil {
		return errResponse(req.ID, CodeMethodNotFound, "doomslug engine not configured on this node")
	}
	var params struct {
		ParentHash   string `json:"parent_hash"`
		ParentHeight int64  `json:"parent_height"`
		TargetHeight int64  `json:"target_height"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}
	witness := h.doomslug.GetWitness(
		doomslug.BlockHash(params.ParentHash),
		doomslug.BlockHeight(params.ParentHeight),
		doomslug.BlockHeight(params.TargetHeight),
	)
	validators := make([]string, 0, len(witness))
	for v := range witness {
		validators = append(validators, string(v))
	}
	return okResponse(req.ID, validators)
}
