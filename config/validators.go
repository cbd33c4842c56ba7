package config

import (
	"fmt"

	"github.com/tolelom/tolchain/consensus/doomslug"
)

// ValidatorStake is one validator's weighted stake for the current and
// next epoch, as carried in the genesis/config file. Round-robin proposer
// selection in the consensus package only needs the address ordering in
// Validators; the stake weights here exist for the finality layer's
// approval-threshold bookkeeping.
type ValidatorStake struct {
	Address        string `json:"address"`          // proposer pubkey hex, matches an entry in Validators
	StakeThisEpoch uint64 `json:"stake_this_epoch"`
	StakeNextEpoch uint64 `json:"stake_next_epoch"`
	Slashed        bool   `json:"slashed,omitempty"`
}

// validateStakes checks that every stake entry references a known
// validator address and that no address appears twice.
func validateStakes(validators []string, stakes []ValidatorStake) error {
	known := make(map[string]bool, len(validators))
	for _, v := range validators {
		known[v] = true
	}
	seen := make(map[string]bool, len(stakes))
	for i, s := range stakes {
		if seen[s.Address] {
			return fmt.Errorf("validator_stakes[%d]: duplicate address %q", i, s.Address)
		}
		seen[s.Address] = true
		if !known[s.Address] {
			return fmt.Errorf("validator_stakes[%d]: address %q not present in validators", i, s.Address)
		}
	}
	return nil
}

// StakeTable builds the doomslug stake snapshot for this configuration.
// A validator listed in Validators but absent from ValidatorStakes is
// given a stake of 1 in both epochs, which reduces the network to
// one-address-one-vote when no stake weights are configured at all.
func (c *Config) StakeTable() []doomslug.ApprovalStakeInput {
	byAddress := make(map[string]ValidatorStake, len(c.ValidatorStakes))
	for _, s := range c.ValidatorStakes {
		byAddress[s.Address] = s
	}

	out := make([]doomslug.ApprovalStakeInput, 0, len(c.Validators))
	for _, addr := range c.Validators {
		s, ok := byAddress[addr]
		if !ok {
			s = ValidatorStake{Address: addr, StakeThisEpoch: 1, StakeNextEpoch: 1}
		}
		out = append(out, doomslug.ApprovalStakeInput{
			Stake: doomslug.ApprovalStake{
				Validator:      doomslug.ValidatorAddress(s.Address),
				StakeThisEpoch: doomslug.NewBalance(s.StakeThisEpoch),
				StakeNextEpoch: doomslug.NewBalance(s.StakeNextEpoch),
			},
			IsSlashed: s.Slashed,
		})
	}
	return out
}
