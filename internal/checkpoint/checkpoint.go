// Package checkpoint persists batch checkpoints so interrupted runs can be
// resumed.
//
// Three backends share the same semantics:
//
//   - FileStore: one directory per checkpoint holding checkpoint.json and
//     outcomes.json
//   - RedisStore: a meta key, an outcomes hash and a sorted-set index
//   - PostgresStore: checkpoints and checkpoint_outcomes tables
//
// Outcome entries are stored and decoded one by one. An unreadable entry is
// logged and dropped; it never fails the load of the checkpoint.
// Checkpoints are never deleted automatically.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/JonMunkholm/certmailer/internal/core"
	"github.com/google/uuid"
)

// Store is a checkpoint backend. Delete is used by the web layer only.
type Store interface {
	core.CheckpointStore
	Delete(ctx context.Context, id string) error
}

func notFound(id string) error {
	return &core.NotFoundError{Kind: "checkpoint", ID: id}
}

// merge applies Save semantics to cp given the stored record prev (nil
// when creating). The returned record is what gets written.
func merge(prev, cp *core.Checkpoint, partial bool, now time.Time) *core.Checkpoint {
	if prev == nil {
		rec := *cp
		rec.ID = uuid.New().String()
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		rec.UpdatedAt = now
		if rec.Status == "" {
			rec.Status = core.CheckpointInProgress
		}
		if partial {
			rec.Outcomes = nil
		}
		rec.Counts = core.CountOutcomes(rec.Outcomes)
		return &rec
	}

	rec := *prev
	rec.UpdatedAt = now
	rec.Config = cp.Config
	rec.Config.CheckpointID = ""
	if cp.SenderAddress != "" {
		rec.SenderAddress = cp.SenderAddress
	}
	if partial {
		return &rec
	}

	rec.RowCount = cp.RowCount
	rec.Status = cp.Status
	if rec.Status == "" {
		rec.Status = prev.Status
	}
	rec.Outcomes = cp.Outcomes
	rec.Counts = core.CountOutcomes(cp.Outcomes)
	return &rec
}

// encodeOutcomes returns one JSON document per outcome keyed by row:stage.
func encodeOutcomes(list []core.RowOutcome) (map[string][]byte, error) {
	out := make(map[string][]byte, len(list))
	for _, oc := range list {
		data, err := json.Marshal(oc)
		if err != nil {
			return nil, fmt.Errorf("marshal outcome %s: %w", oc.Key(), err)
		}
		out[oc.Key()] = data
	}
	return out, nil
}

// decodeOutcomes decodes raw entries independently. Entries that do not
// parse, are inconsistent, or whose key does not match their content are
// dropped with a warning.
func decodeOutcomes(logger *slog.Logger, id string, raw map[string][]byte) []core.RowOutcome {
	list := make([]core.RowOutcome, 0, len(raw))
	for key, data := range raw {
		row, stage, err := core.ParseOutcomeKey(key)
		if err != nil {
			logger.Warn("dropping outcome with malformed key", "checkpoint_id", id, "key", key, "error", err)
			continue
		}
		var oc core.RowOutcome
		if err := json.Unmarshal(data, &oc); err != nil {
			logger.Warn("dropping unreadable outcome", "checkpoint_id", id, "key", key, "error", err)
			continue
		}
		if !oc.Valid() || oc.RowIndex != row || oc.Stage != stage {
			logger.Warn("dropping inconsistent outcome", "checkpoint_id", id, "key", key)
			continue
		}
		list = append(list, oc)
	}
	core.SortOutcomes(list)
	return list
}

func orDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
