package conflict

import (
	"github.com/kimhsiao/shopsync/internal/models"
)

// Outcome is the reconciliation decision for one entity key.
type Outcome int

const (
	// OutcomeNone means neither side holds the entity and nothing is tracked.
	OutcomeNone Outcome = iota
	// OutcomeSynced means both sides agree; only the baseline moves.
	OutcomeSynced
	// OutcomePush sends the local value (or deletion) to the remote.
	OutcomePush
	// OutcomeAdopt overwrites the local record with the server value (or deletion).
	OutcomeAdopt
	// OutcomeConflict records a divergence for a user decision.
	OutcomeConflict
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeSynced:
		return "synced"
	case OutcomePush:
		return "push"
	case OutcomeAdopt:
		return "adopt"
	case OutcomeConflict:
		return "conflict"
	}
	return "unknown"
}

// Decide compares the local record and the server entity against the
// last synced baseline held in meta. A nil local or server means that side
// does not hold the entity; a nil meta means the key was never synced.
//
// The local side changed when meta.LocalVersion moved past meta.Version.
// The server side changed when its version differs from meta.ServerVersion.
func Decide(t models.EntityType, local *models.Record, meta *models.SyncMetadata, server *models.RemoteEntity) Outcome {
	outcome := decide(local, meta, server)
	if t.PullOnly() && (outcome == OutcomePush || outcome == OutcomeConflict) {
		return OutcomeAdopt
	}
	return outcome
}

func decide(local *models.Record, meta *models.SyncMetadata, server *models.RemoteEntity) Outcome {
	var localPayload, serverPayload []byte
	if local != nil {
		localPayload = local.Payload
	}
	if server != nil {
		serverPayload = server.Payload
	}
	same := (local == nil) == (server == nil) && models.PayloadEqual(localPayload, serverPayload)

	if meta == nil {
		switch {
		case local == nil && server == nil:
			return OutcomeNone
		case local == nil:
			return OutcomeAdopt
		case server == nil:
			return OutcomePush
		case same:
			return OutcomeSynced
		default:
			return OutcomeConflict
		}
	}

	localChanged := meta.LocalChanged()
	serverChanged := models.VersionOf(server) != meta.ServerVersion

	switch {
	case !localChanged && !serverChanged:
		if same {
			return OutcomeSynced
		}
		// The server is authoritative for the effects of applied actions.
		return OutcomeAdopt
	case localChanged && !serverChanged:
		if local == nil && server == nil {
			return OutcomeSynced
		}
		return OutcomePush
	case !localChanged && serverChanged:
		return OutcomeAdopt
	default:
		if same {
			return OutcomeSynced
		}
		return OutcomeConflict
	}
}

// FoldAck moves the baseline after the remote acknowledged a queued action
// that produced local version itemVersion. The local baseline only advances
// when every earlier local change was already synced; the server baseline
// always becomes the acknowledged state so the action's own effect is not
// mistaken for a remote change.
func FoldAck(meta *models.SyncMetadata, itemVersion int64, ack *models.RemoteEntity) {
	if itemVersion > 0 && meta.Version >= itemVersion-1 && itemVersion > meta.Version {
		meta.Version = itemVersion
	}
	meta.ServerVersion = models.VersionOf(ack)
}
