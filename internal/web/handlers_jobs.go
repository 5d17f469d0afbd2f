package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JonMunkholm/certmailer/internal/core"
	"github.com/JonMunkholm/certmailer/internal/dataset"
	"github.com/JonMunkholm/certmailer/internal/logging"
	"github.com/go-chi/chi/v5"
)

// sseHeartbeat is how often an idle progress stream sends a comment line.
const sseHeartbeat = 15 * time.Second

// JobRequest starts or validates a batch. When Config.CheckpointID is set
// and Config.Mode is empty, the checkpoint's saved configuration is used.
type JobRequest struct {
	DatasetID string         `json:"dataset_id"`
	Config    core.JobConfig `json:"config"`
}

// ValidateResponse reports whether a configuration can be started.
type ValidateResponse struct {
	OK     bool                  `json:"ok"`
	Report core.ValidationReport `json:"report"`
	Error  *ErrorResponse        `json:"error,omitempty"`
}

// JobResponse is the status view of a job.
type JobResponse struct {
	core.Snapshot
	CheckpointID string   `json:"checkpoint_id,omitempty"`
	RecentLog    []string `json:"recent_log_lines"`
}

// resolveJob loads the dataset and final configuration for a request.
func (s *Server) resolveJob(ctx context.Context, req JobRequest) (*dataset.Dataset, core.JobConfig, error) {
	cfg := req.Config

	if cfg.CheckpointID != "" && cfg.Mode == "" {
		if s.store == nil {
			return nil, cfg, &core.ValidationError{Reason: "no checkpoint store configured"}
		}
		cp, err := s.store.Load(ctx, cfg.CheckpointID)
		if err != nil {
			return nil, cfg, err
		}
		id := cfg.CheckpointID
		cfg = cp.Config
		cfg.CheckpointID = id
	}

	datasetID := req.DatasetID
	if datasetID == "" {
		datasetID = cfg.DataRef
	}
	if datasetID == "" {
		return nil, cfg, fmt.Errorf("%w: dataset_id is required", errBadRequest)
	}
	ds, err := s.datasets.get(datasetID)
	if err != nil {
		return nil, cfg, err
	}
	cfg.DataRef = datasetID

	if cfg.TemplateRef != "" && !s.uploads.ownsTemplate(cfg.TemplateRef) {
		return nil, cfg, &core.ValidationError{Reason: "template not found among uploaded templates"}
	}
	return ds, cfg, nil
}

// handleValidate checks a configuration without starting anything.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req JobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}

	ds, cfg, err := s.resolveJob(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	report, err := s.orch.Validate(r.Context(), ds, cfg)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	resp := ValidateResponse{OK: report.OK(), Report: report}
	if verr := report.Err(); verr != nil {
		msg := core.MapError(verr)
		resp.Error = &ErrorResponse{Error: msg.Message, Message: msg.Message, Action: msg.Action, Code: msg.Code, Detail: msg.Detail}
	}
	writeJSON(w, resp)
}

// handleStartJob launches a batch.
func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	var req JobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}

	ds, cfg, err := s.resolveJob(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	// Edits still waiting in the debouncer must land before the run
	// starts writing the same checkpoint.
	if s.debouncer != nil && cfg.CheckpointID != "" && s.debouncer.Pending(cfg.CheckpointID) {
		if err := s.debouncer.Flush(r.Context()); err != nil {
			s.respondError(w, r, &core.PersistenceError{Op: "save", CheckpointID: cfg.CheckpointID, Err: err})
			return
		}
	}

	job, err := s.orch.Start(r.Context(), ds, cfg)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	logging.FromContext(r.Context()).Info("batch requested",
		"job_id", job.ID,
		"mode", string(cfg.Mode),
		"dataset_id", cfg.DataRef,
		"checkpoint_id", cfg.CheckpointID,
	)

	writeJSONStatus(w, http.StatusAccepted, s.jobResponse(job))
}

func (s *Server) jobResponse(job *core.Job) JobResponse {
	obs := job.Subscribe()
	u := obs.Poll()
	obs.Close()
	return JobResponse{
		Snapshot:     job.Status(),
		CheckpointID: job.CheckpointID(),
		RecentLog:    u.Lines,
	}
}

// handleCurrentJob returns the active job, or the most recent one.
func (s *Server) handleCurrentJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.orch.Current()
	if !ok {
		s.respondError(w, r, &core.NotFoundError{Kind: "job", ID: "current"})
		return
	}
	writeJSON(w, s.jobResponse(job))
}

// handleJobStatus returns the latest snapshot of a job.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.Job(chi.URLParam(r, "jobID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, s.jobResponse(job))
}

// handleStopJob requests cooperative cancellation.
func (s *Server) handleStopJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.orch.Stop(jobID); err != nil {
		s.respondError(w, r, err)
		return
	}
	logging.FromContext(r.Context()).Info("stop requested", "job_id", jobID)

	job, err := s.orch.Job(jobID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, s.jobResponse(job))
}

// handleJobSummary returns counts and failed rows.
func (s *Server) handleJobSummary(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.Job(chi.URLParam(r, "jobID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, job.Summary())
}

// handleFailedRows downloads the failed rows as CSV.
func (s *Server) handleFailedRows(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.Job(chi.URLParam(r, "jobID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="failed_list.csv"`)
	if err := core.WriteFailedRowsCSV(w, job.Columns(), job.FailedRows()); err != nil {
		logging.FromContext(r.Context()).Warn("write failed rows", "job_id", job.ID, "error", err)
	}
}

// handleJobEvents streams progress via Server-Sent Events.
//
// Events:
//   - progress: the latest snapshot as JSON
//   - log: one log line
//   - complete: the final summary as JSON, after which the stream ends
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.Job(chi.URLParam(r, "jobID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorCode(w, http.StatusInternalServerError, "ERR001", "Streaming is not supported", "Poll the job status instead")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	obs := job.Subscribe()
	defer obs.Close()

	ctx := r.Context()
	for {
		u, err := nextUpdate(ctx, obs)
		if ctx.Err() != nil {
			return
		}
		switch {
		case errors.Is(err, io.EOF):
			return
		case errors.Is(err, context.DeadlineExceeded):
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
			continue
		case err != nil:
			return
		}

		if u.Dropped > 0 {
			writeEvent(w, "log", fmt.Sprintf("... %d earlier lines dropped", u.Dropped))
		}
		for _, line := range u.Lines {
			writeEvent(w, "log", line)
		}
		writeEventJSON(w, "progress", u.Snapshot)

		if u.Terminal {
			<-job.Done()
			writeEventJSON(w, "complete", job.Summary())
			flusher.Flush()
			return
		}
		flusher.Flush()
	}
}

// nextUpdate waits for the next update, giving up with
// context.DeadlineExceeded after one heartbeat interval.
func nextUpdate(ctx context.Context, obs *core.Observer) (core.Update, error) {
	waitCtx, cancel := context.WithTimeout(ctx, sseHeartbeat)
	defer cancel()
	return obs.Next(waitCtx)
}

func writeEvent(w io.Writer, event, data string) {
	fmt.Fprintf(w, "event: %s\n", event)
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
}

func writeEventJSON(w io.Writer, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	writeEvent(w, event, string(data))
}
