package channel

import "github.com/trustline/server/internal/model"

// Transition is the single place where channel-trust state changes are
// defined. It maps (current state, observed channel) to the next state
// and the side effect to attach to it, so the revocation rule lives with
// the transition instead of being duplicated at call sites.
//
// Rules:
//   - a downgrade-flagged session is terminal; nothing applies
//   - pending/unknown/untrusted -> trusted on a trusted observation
//   - pending/unknown/trusted -> untrusted on an untrusted observation
//   - moving into untrusted from trusted while trust is required revokes
//     the session (sticky downgrade flag, authentication fields nulled)
func Transition(current model.ChannelType, downgraded, trustRequired bool, observed model.ChannelType) (next model.ChannelType, revoke, apply bool) {
	if downgraded {
		return current, false, false
	}
	if observed == current {
		return current, false, false
	}

	switch observed {
	case model.ChannelTrusted:
		return model.ChannelTrusted, false, true
	case model.ChannelUntrusted:
		revoke = trustRequired && current == model.ChannelTrusted
		return model.ChannelUntrusted, revoke, true
	default:
		return current, false, false
	}
}
