package approval

import (
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/objectql/objectos-sub008/types"
)

const (
	// ActionName is the enter action that opens an approval round.
	ActionName = "request_approval"
	// ParamChain is the action param holding an inline chain.
	ParamChain = "chain"
	// MetadataKey is the state metadata key holding a chain.
	MetadataKey = "approval"
)

// ErrNoChain is returned when a state declares no approval chain.
var ErrNoChain = errors.New("no approval chain")

// ParseChain decodes a chain from definition data, numbers its levels and
// fills in the default transitions.
func ParseChain(raw interface{}) (types.ApprovalChain, error) {
	var chain types.ApprovalChain
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &chain,
	})
	if err != nil {
		return types.ApprovalChain{}, err
	}
	if err := decoder.Decode(raw); err != nil {
		return types.ApprovalChain{}, fmt.Errorf("invalid approval chain: %w", err)
	}

	if len(chain.Levels) == 0 {
		return types.ApprovalChain{}, errors.New("invalid approval chain: at least one level is required")
	}
	for i := range chain.Levels {
		if len(chain.Levels[i].Approvers) == 0 {
			return types.ApprovalChain{}, fmt.Errorf("invalid approval chain: level %d has no approvers", i+1)
		}
		if chain.Levels[i].Level == 0 {
			chain.Levels[i].Level = i + 1
		}
	}
	if chain.ApproveTransition == "" {
		chain.ApproveTransition = "approve"
	}
	if chain.RejectTransition == "" {
		chain.RejectTransition = "reject"
	}
	return chain, nil
}

// ChainFor returns the chain of a state: the chain param of its
// request_approval enter action, else its "approval" metadata.
func ChainFor(def *types.WorkflowDefinition, state string) (types.ApprovalChain, error) {
	st, ok := def.State(state)
	if !ok {
		return types.ApprovalChain{}, fmt.Errorf("%w: unknown state %q", ErrNoChain, state)
	}
	for _, ref := range st.OnEnterActions {
		if ref.Name != ActionName {
			continue
		}
		if raw, ok := ref.Params[ParamChain]; ok {
			return ParseChain(raw)
		}
	}
	if raw, ok := st.Metadata[MetadataKey]; ok {
		return ParseChain(raw)
	}
	return types.ApprovalChain{}, fmt.Errorf("%w for state %q", ErrNoChain, state)
}
