package web

import (
	"context"
	"net/http"

	"github.com/JonMunkholm/certmailer/internal/core"
	"github.com/go-chi/chi/v5"
)

// CheckpointResponse is a checkpoint with its outcomes.
type CheckpointResponse struct {
	*core.Checkpoint
	Label    string            `json:"label"`
	Outcomes []core.RowOutcome `json:"outcomes"`
	Pending  bool              `json:"pending_save"`
}

// CheckpointPatch edits the configuration of a saved checkpoint. Nil
// fields are left unchanged.
type CheckpointPatch struct {
	Mode            *core.Mode            `json:"mode,omitempty"`
	Mapping         map[string]string     `json:"mapping,omitempty"`
	RecipientColumn *string               `json:"recipient_column,omitempty"`
	Message         *core.MessageTemplate `json:"message,omitempty"`
	FilenamePattern *string               `json:"filename_pattern,omitempty"`
	TemplateRef     *string               `json:"template_ref,omitempty"`
}

func (p CheckpointPatch) apply(cfg *core.JobConfig) {
	if p.Mode != nil {
		cfg.Mode = *p.Mode
	}
	if p.Mapping != nil {
		cfg.Mapping = core.NormalizeMapping(p.Mapping)
	}
	if p.RecipientColumn != nil {
		cfg.RecipientColumn = *p.RecipientColumn
	}
	if p.Message != nil {
		cfg.Message = *p.Message
	}
	if p.FilenamePattern != nil {
		cfg.FilenamePattern = *p.FilenamePattern
	}
	if p.TemplateRef != nil {
		cfg.TemplateRef = *p.TemplateRef
	}
}

// handleListCheckpoints lists checkpoints, most recently updated first.
func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.List(r.Context())
	if err != nil {
		s.respondError(w, r, &core.PersistenceError{Op: "list", Err: err})
		return
	}
	if list == nil {
		list = []core.CheckpointSummary{}
	}
	writeJSON(w, map[string]any{"checkpoints": list})
}

// handleCreateCheckpoint saves a configuration as a new checkpoint without
// running it. The checkpoint can later be started by id.
func (s *Server) handleCreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.respondError(w, r, &core.ValidationError{Reason: "no checkpoint store configured"})
		return
	}

	var req JobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	req.Config.CheckpointID = ""

	ds, cfg, err := s.resolveJob(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if cfg.Mode != "" && !cfg.Mode.Valid() {
		s.respondError(w, r, &core.ValidationError{Reason: "unknown mode"})
		return
	}
	cfg.Mapping = core.NormalizeMapping(cfg.Mapping)

	id, err := s.store.Save(r.Context(), &core.Checkpoint{
		Status:   core.CheckpointStopped,
		RowCount: ds.Len(),
		Config:   cfg,
	}, true)
	if err != nil {
		s.respondError(w, r, &core.PersistenceError{Op: "save", Err: err})
		return
	}

	cp, err := s.store.Load(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	auditLogger(r).Info("checkpoint created", "checkpoint_id", id, "rows", cp.RowCount)
	writeJSONStatus(w, http.StatusCreated, cp.Summary())
}

// loadCheckpoint returns the latest version of a checkpoint, including
// edits that are still waiting to be saved.
func (s *Server) loadCheckpoint(ctx context.Context, id string) (*core.Checkpoint, bool, error) {
	cp, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if s.debouncer != nil {
		if pending, ok := s.debouncer.Peek(id); ok {
			cp.Config = pending.Config
			return cp, true, nil
		}
	}
	return cp, false, nil
}

// handleGetCheckpoint returns a checkpoint and its outcomes.
func (s *Server) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, pending, err := s.loadCheckpoint(r.Context(), chi.URLParam(r, "checkpointID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	outcomes := cp.Outcomes
	if outcomes == nil {
		outcomes = []core.RowOutcome{}
	}
	writeJSON(w, CheckpointResponse{Checkpoint: cp, Label: cp.Label(), Outcomes: outcomes, Pending: pending})
}

// handleUpdateCheckpoint applies a configuration edit. The save is
// debounced so rapid edits from the UI become one write.
func (s *Server) handleUpdateCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "checkpointID")
	if active := s.orch.ActiveCheckpointID(); active != "" && active == id {
		s.respondError(w, r, &core.ConflictError{ActiveJobID: s.activeJobID()})
		return
	}

	var patch CheckpointPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		s.respondError(w, r, err)
		return
	}
	if patch.Mode != nil && !patch.Mode.Valid() {
		s.respondError(w, r, &core.ValidationError{Reason: "unknown mode"})
		return
	}
	if patch.TemplateRef != nil && *patch.TemplateRef != "" && !s.uploads.ownsTemplate(*patch.TemplateRef) {
		s.respondError(w, r, &core.ValidationError{Reason: "template not found among uploaded templates"})
		return
	}

	cp, _, err := s.loadCheckpoint(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	patch.apply(&cp.Config)

	if s.debouncer != nil {
		err = s.debouncer.Touch(cp)
	} else {
		_, err = s.store.Save(r.Context(), cp, true)
	}
	if err != nil {
		s.respondError(w, r, &core.PersistenceError{Op: "save", CheckpointID: id, Err: err})
		return
	}

	auditLogger(r).Info("checkpoint edited", "checkpoint_id", id)
	writeJSONStatus(w, http.StatusAccepted, cp.Summary())
}

// handleDeleteCheckpoint removes a checkpoint that is not in use.
func (s *Server) handleDeleteCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "checkpointID")
	if active := s.orch.ActiveCheckpointID(); active != "" && active == id {
		s.respondError(w, r, &core.ConflictError{ActiveJobID: s.activeJobID()})
		return
	}

	if s.debouncer != nil {
		s.debouncer.Cancel(id)
	}
	if err := s.store.Delete(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}

	auditLogger(r).Info("checkpoint deleted", "checkpoint_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) activeJobID() string {
	if job, ok := s.orch.Current(); ok {
		return job.ID
	}
	return ""
}
