package network

import (
	"encoding/json"
	"log"

	"github.com/tolelom/tolchain/consensus/doomslug"
)

// MsgApproval carries an endorsement or skip message between block
// producers, gossiped the same way MsgBlock is.
const MsgApproval MsgType = "approval"

// WireApproval is MsgApproval's JSON payload. ApprovalInner is flattened
// into two optional fields rather than sent as a Go interface, since the
// wire format has no tagged-union support of its own.
type WireApproval struct {
	ParentHash   string `json:"parent_hash,omitempty"`
	ParentHeight int64  `json:"parent_height,omitempty"`
	IsSkip       bool   `json:"is_skip"`
	TargetHeight int64  `json:"target_height"`
	Validator    string `json:"validator"`
}

// ToWire converts an internal approval into its wire representation.
func ToWire(approval doomslug.ApprovalValidated) WireApproval {
	w := WireApproval{
		TargetHeight: int64(approval.Content.TargetHeight),
		Validator:    string(approval.Validator),
	}
	switch inner := approval.Content.Inner.(type) {
	case doomslug.Endorsement:
		w.ParentHash = string(inner.ParentHash)
	case doomslug.Skip:
		w.IsSkip = true
		w.ParentHeight = int64(inner.ParentHeight)
	}
	return w
}

// FromWire reconstructs the approval content WireApproval describes.
// Reconstructing an Endorsement's parent height from a bare hash is not
// possible on the wire; callers that need parent_height to match the
// sender's view must derive it from the endorsed block instead.
func FromWire(w WireApproval) doomslug.ApprovalValidated {
	var inner doomslug.ApprovalInner
	if w.IsSkip {
		inner = doomslug.Skip{ParentHeight: doomslug.BlockHeight(w.ParentHeight)}
	} else {
		inner = doomslug.Endorsement{ParentHash: doomslug.BlockHash(w.ParentHash)}
	}
	return doomslug.ApprovalValidated{
		Content: doomslug.ApprovalContent{
			Inner:        inner,
			TargetHeight: doomslug.BlockHeight(w.TargetHeight),
		},
		Validator: doomslug.ValidatorAddress(w.Validator),
	}
}

// BroadcastApproval serialises approval and sends it to all connected peers.
func (n *Node) BroadcastApproval(approval doomslug.ApprovalValidated) {
	data, err := json.Marshal(ToWire(approval))
	if err != nil {
		log.Printf("[network] marshal approval: %v", err)
		return
	}
	n.Broadcast(Message{Type: MsgApproval, Payload: data})
}

// ApprovalHandler processes an approval received from a peer. The wire
// form carries no signature, and HandleApprovals runs no membership or
// signature check before calling it.
type ApprovalHandler func(approval doomslug.ApprovalValidated)

// HandleApprovals registers fn to be called with every approval message
// this node receives, reconstructed from its wire form.
func (n *Node) HandleApprovals(fn ApprovalHandler) {
	n.Handle(MsgApproval, func(_ *Peer, msg Message) {
		var w WireApproval
		if err := json.Unmarshal(msg.Payload, &w); err != nil {
			log.Printf("[network] malformed approval message: %v", err)
			return
		}
		fn(FromWire(w))
	})
}
