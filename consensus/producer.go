// Package consensus implements round-robin block production gated by the
// doomslug finality core: a validator proposes in its turn, but the block
// is only actually produced once accumulated validator-approval stake
// clears the two-thirds threshold for the target height.
package consensus

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/tolelom/tolchain/config"
	"github.com/tolelom/tolchain/consensus/doomslug"
	"github.com/tolelom/tolchain/core"
	"github.com/tolelom/tolchain/crypto"
	"github.com/tolelom/tolchain/events"
	"github.com/tolelom/tolchain/vm"
)

// approvalWatermarkKey is the storage key the producer uses to persist
// the largest target height it has already sent an approval for, so a
// restarting node never re-sends (and double-counts) one it already
// committed to.
const approvalWatermarkKey = "producer:last_sent_height"

// watermarkStore is the narrow slice of storage.LevelDB the producer
// needs, kept as an interface so tests can stub it without a real DB.
type watermarkStore interface {
	Get(key []byte) ([]byte, error)
	Set(key []byte, value []byte) error
}

// ApprovalBroadcaster sends a locally-produced approval to the rest of
// the network. Implemented by network.Node in production.
type ApprovalBroadcaster interface {
	BroadcastApproval(doomslug.ApprovalValidated)
}

// Producer is the round-robin block producer. Unlike the engine it wraps,
// Producer does talk to the clock, the chain and the network: it is the
// integration point between the pure doomslug.Engine state machine and
// everything the node actually runs on.
type Producer struct {
	cfg     *config.Config
	bc      *core.Blockchain
	state   core.State
	mempool *core.Mempool
	exec    *vm.Executor
	emitter *events.Emitter
	privKey crypto.PrivateKey
	pubKey  crypto.PublicKey

	engine      *doomslug.Engine
	store       watermarkStore
	broadcaster ApprovalBroadcaster
}

// New creates a round-robin producer for the local validator identified
// by privKey, with its finality timer driven by engine. store, if
// non-nil, is used to persist the approval watermark for each approval
// broadcast (the Producer never reads it back; restoring it at startup is
// the caller's job); broadcaster, if non-nil, is used to gossip approvals
// this node signs.
func New(
	cfg *config.Config,
	bc *core.Blockchain,
	state core.State,
	mempool *core.Mempool,
	exec *vm.Executor,
	emitter *events.Emitter,
	privKey crypto.PrivateKey,
	engine *doomslug.Engine,
	store watermarkStore,
	broadcaster ApprovalBroadcaster,
) *Producer {
	return &Producer{
		cfg:         cfg,
		bc:          bc,
		state:       state,
		mempool:     mempool,
		exec:        exec,
		emitter:     emitter,
		privKey:     privKey,
		pubKey:      privKey.Public(),
		engine:      engine,
		store:       store,
		broadcaster: broadcaster,
	}
}

func (p *Producer) saveWatermark(h doomslug.BlockHeight) {
	if p.store == nil {
		return
	}
	if err := p.store.Set([]byte(approvalWatermarkKey), []byte(fmt.Sprintf("%d", h))); err != nil {
		log.Printf("[consensus] persist approval watermark: %v", err)
	}
}

// IsProposer reports whether this node should propose the next block.
func (p *Producer) IsProposer() bool {
	if len(p.cfg.Validators) == 0 {
		return false
	}
	nextHeight := p.bc.Height() + 1
	idx := int(nextHeight % int64(len(p.cfg.Validators)))
	return p.cfg.Validators[idx] == p.pubKey.Hex()
}

// ReadyToProduce reports whether the finality core has accumulated enough
// approval stake to produce the next block right now.
func (p *Producer) ReadyToProduce(now doomslug.Instant, hasEnoughChunks bool) bool {
	nextHeight := doomslug.BlockHeight(p.bc.Height() + 1)
	return p.engine.ReadyToProduceBlock(now, nextHeight, hasEnoughChunks)
}

// ProduceBlock builds, signs, executes and commits the next block. It
// does not itself gate on ReadyToProduce — callers (Run, or tests) decide
// when the stake and timer conditions justify calling it.
func (p *Producer) ProduceBlock() (*core.Block, error) {
	if !p.IsProposer() {
		return nil, errors.New("not the proposer for this round")
	}

	limit := p.cfg.MaxBlockTxs
	if limit <= 0 {
		limit = 500
	}
	txs := p.mempool.Pending(limit)

	tip := p.bc.Tip()
	var prevHash string
	var nextHeight int64
	if tip == nil {
		prevHash = config.GenesisHash
		nextHeight = 1
	} else {
		prevHash = tip.Hash
		nextHeight = tip.Header.Height + 1
	}

	block := core.NewBlock(nextHeight, prevHash, p.pubKey.Hex(), txs)

	if err := p.exec.ExecuteBlock(block); err != nil {
		return nil, fmt.Errorf("execute block: %w", err)
	}

	// Compute root from the write buffer BEFORE flushing so that if AddBlock
	// fails the state has not yet been persisted and the node stays consistent.
	block.Header.StateRoot = p.state.ComputeRoot()
	block.Sign(p.privKey)

	if err := p.bc.AddBlock(block); err != nil {
		return nil, fmt.Errorf("add block: %w", err)
	}

	// Flush state only after the block is safely stored.
	if err := p.state.Commit(); err != nil {
		log.Fatalf("[consensus] FATAL: block %d stored but state commit failed: %v",
			block.Header.Height, err)
	}

	// This is a linear, fork-free PoA chain: once a block is durably
	// stored there is no competing branch left to out-finalize it, so it
	// is immediately doomslug-final.
	p.engine.OnBlock(doomslug.Instant(time.Now().UnixNano()), doomslug.BlockHash(block.Hash), doomslug.BlockHeight(block.Header.Height), doomslug.BlockHeight(block.Header.Height))

	// Emit after Sign() so block.Hash is set correctly.
	p.emitter.Emit(events.Event{
		Type:        events.EventBlockCommit,
		BlockHeight: block.Header.Height,
		Data:        map[string]any{"hash": block.Hash, "txs": len(block.Transactions)},
	})

	txIDs := make([]string, len(txs))
	for i, tx := range txs {
		txIDs[i] = tx.ID
	}
	p.mempool.Remove(txIDs)

	return block, nil
}

// NotifyBlock feeds a block this node did not produce itself (received
// via sync) into the finality timer, so the skip clock and approval
// tracking stay in step with the chain regardless of who proposed it.
func (p *Producer) NotifyBlock(block *core.Block) {
	p.engine.OnBlock(doomslug.Instant(time.Now().UnixNano()), doomslug.BlockHash(block.Hash), doomslug.BlockHeight(block.Header.Height), doomslug.BlockHeight(block.Header.Height))
}

// maxBlockTimeDrift is the maximum allowed clock drift for incoming blocks.
const maxBlockTimeDrift = int64(15 * time.Second)

// ValidateBlock checks that block was proposed by the expected validator.
func (p *Producer) ValidateBlock(block *core.Block) error {
	if len(p.cfg.Validators) == 0 {
		return errors.New("no validators configured")
	}

	idx := int(block.Header.Height % int64(len(p.cfg.Validators)))
	expected := p.cfg.Validators[idx]
	if block.Header.Proposer != expected {
		return fmt.Errorf("wrong proposer: got %s want %s", block.Header.Proposer, expected)
	}

	pub, err := crypto.PubKeyFromHex(block.Header.Proposer)
	if err != nil {
		return fmt.Errorf("invalid proposer pubkey: %w", err)
	}
	// Verify() re-computes the header hash and checks the signature,
	// preventing acceptance of blocks with a tampered header.
	if err := block.Verify(pub); err != nil {
		return fmt.Errorf("block signature invalid: %w", err)
	}
	// Independently verify TxRoot matches the actual transaction list.
	if txRoot := core.ComputeTxRoot(block.Transactions); block.Header.TxRoot != txRoot {
		return fmt.Errorf("tx_root mismatch: got %s want %s", block.Header.TxRoot, txRoot)
	}

	// (C) Timestamp validation: must not be too far in the future
	// and must be >= the previous block's timestamp.
	now := time.Now().UnixNano()
	if block.Header.Timestamp > now+maxBlockTimeDrift {
		return fmt.Errorf("block timestamp too far in future: %d (now %d)", block.Header.Timestamp, now)
	}

	// Validate previous hash linkage
	tip := p.bc.Tip()
	if tip == nil {
		if !config.IsGenesisHash(block.Header.PrevHash) {
			return errors.New("first block must reference genesis prev-hash")
		}
	} else {
		if block.Header.PrevHash != tip.Hash {
			return fmt.Errorf("prev_hash mismatch: got %s want %s", block.Header.PrevHash, tip.Hash)
		}
		if block.Header.Height != tip.Header.Height+1 {
			return fmt.Errorf("height mismatch: got %d want %d", block.Header.Height, tip.Header.Height+1)
		}
		// Timestamp must not go backwards.
		if block.Header.Timestamp < tip.Header.Timestamp {
			return fmt.Errorf("block timestamp %d < previous block %d", block.Header.Timestamp, tip.Header.Timestamp)
		}
	}
	return nil
}

// tickApprovals drives the finality timer and broadcasts whatever
// approvals it decides to send.
func (p *Producer) tickApprovals(now doomslug.Instant) {
	pending := p.engine.ProcessTimer(now)
	if p.broadcaster == nil {
		return
	}
	for _, content := range pending {
		approval := doomslug.ApprovalValidated{
			Content:   content,
			Validator: doomslug.ValidatorAddress(p.pubKey.Hex()),
		}
		p.broadcaster.BroadcastApproval(approval)
		p.saveWatermark(content.TargetHeight)
	}
}

// Run starts the block-production loop with the given interval. It blocks
// until done is closed. Every tick it advances the finality timer,
// broadcasts any approvals that produces, and proposes a block if it is
// both this node's turn and the finality core reports enough approval
// stake to do so.
func (p *Producer) Run(interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			now := doomslug.Instant(time.Now().UnixNano())
			p.tickApprovals(now)

			if !p.IsProposer() {
				continue
			}
			if !p.ReadyToProduce(now, true) {
				continue
			}
			if _, err := p.ProduceBlock(); err != nil {
				log.Printf("[consensus] produce block error: %v", err)
			}
		}
	}
}
