package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/0xmhha/ledger-crawler/internal/constants"
	"github.com/0xmhha/ledger-crawler/internal/logger"
	"github.com/0xmhha/ledger-crawler/pkg/checkpoint"
	"github.com/0xmhha/ledger-crawler/pkg/coordinator"
	"github.com/0xmhha/ledger-crawler/pkg/importer"
	"github.com/0xmhha/ledger-crawler/pkg/ingest"
	"github.com/0xmhha/ledger-crawler/pkg/tasks"
	"github.com/0xmhha/ledger-crawler/pkg/types"
)

// HealthResponse is the body of /healthz
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version,omitempty"`
	Timestamp string `json:"timestamp"`
}

// ImportRequest is the body of POST /v1/imports
type ImportRequest struct {
	ChainID   int64  `json:"chain_id"`
	Contract  string `json:"contract"`
	UserLimit int    `json:"user_limit"`
}

// ImportResponse answers POST /v1/imports
type ImportResponse struct {
	Outcome importer.SubmitOutcome `json:"outcome"`
	TaskID  string                 `json:"task_id,omitempty"`
	Message string                 `json:"message"`
	Result  *types.ImportResult    `json:"result,omitempty"`
}

// SyncRequest is the body of POST /v1/syncs
type SyncRequest struct {
	ChainID int64  `json:"chain_id"`
	Entity  string `json:"entity"`
	Mode    string `json:"mode"`
	// Lookback is the window of time_range syncs: 24h, 7d, 2w or 1m
	Lookback string `json:"lookback,omitempty"`
}

// BackfillRequest is the body of POST /v1/backfills
type BackfillRequest struct {
	ChainID    int64  `json:"chain_id"`
	Entity     string `json:"entity"`
	StartBlock uint64 `json:"start_block"`
	EndBlock   uint64 `json:"end_block"`
	BatchSize  uint64 `json:"batch_size,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, HealthResponse{
		Status:    "ok",
		Version:   s.deps.Version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Tasks.List(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []*types.TaskStatus{}
	}
	s.writeJSON(w, r, http.StatusOK, list)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Tasks.Get(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			s.writeError(w, r, http.StatusNotFound, err)
			return
		}
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, status)
}

func (s *Server) handleSubmitImport(w http.ResponseWriter, r *http.Request) {
	var req ImportRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.deps.Imports.Submit(r.Context(), importer.SubmitRequest{
		ChainID:   req.ChainID,
		Contract:  req.Contract,
		UserLimit: req.UserLimit,
	})
	if err != nil {
		if errors.Is(err, importer.ErrInvalidContract) {
			s.writeError(w, r, http.StatusBadRequest, err)
			return
		}
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	code := http.StatusAccepted
	if resp.Outcome == importer.OutcomeCached {
		code = http.StatusOK
	}
	s.writeJSON(w, r, code, ImportResponse{
		Outcome: resp.Outcome,
		TaskID:  resp.TaskID,
		Message: resp.Message,
		Result:  resp.Result,
	})
}

func (s *Server) handleGetImport(w http.ResponseWriter, r *http.Request) {
	chainID, err := strconv.ParseInt(chi.URLParam(r, "chainID"), 10, 64)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, errors.New("chain id must be an integer"))
		return
	}
	result, err := s.deps.Imports.Result(r.Context(), chainID, types.NormalizeAddress(chi.URLParam(r, "contract")))
	if err != nil {
		if errors.Is(err, importer.ErrNoResult) {
			s.writeError(w, r, http.StatusNotFound, err)
			return
		}
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, result)
}

func (s *Server) handleSubmitSync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if !s.decode(w, r, &req) {
		return
	}
	mode, err := types.ParseFetchMode(req.Mode)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	var lookback time.Duration
	if req.Lookback != "" {
		if lookback, err = checkpoint.ParseLookback(req.Lookback); err != nil {
			s.writeError(w, r, http.StatusBadRequest, err)
			return
		}
	}
	if mode == types.FetchModeTimeRange && lookback <= 0 {
		s.writeError(w, r, http.StatusBadRequest, errors.New("time_range sync requires a lookback"))
		return
	}

	status, err := s.deps.Syncs.SubmitSync(r.Context(), ingest.SyncRequest{
		ChainID:  req.ChainID,
		Entity:   req.Entity,
		Mode:     mode,
		Lookback: lookback,
	})
	s.writeTaskStatus(w, r, status, err)
}

func (s *Server) handleSubmitBackfill(w http.ResponseWriter, r *http.Request) {
	var req BackfillRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.EndBlock < req.StartBlock {
		s.writeError(w, r, http.StatusBadRequest, errors.New("end block precedes start block"))
		return
	}
	batchSize := req.BatchSize
	if batchSize == 0 {
		batchSize = constants.DefaultBatchSize
	}
	if err := coordinator.CheckRange(req.StartBlock, req.EndBlock, batchSize, s.config.MaxBatches); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	status, err := s.deps.Syncs.SubmitBackfill(r.Context(), ingest.BackfillRequest{
		ChainID:   req.ChainID,
		Entity:    req.Entity,
		Start:     req.StartBlock,
		End:       req.EndBlock,
		BatchSize: req.BatchSize,
	})
	s.writeTaskStatus(w, r, status, err)
}

func (s *Server) writeTaskStatus(w http.ResponseWriter, r *http.Request, status *types.TaskStatus, err error) {
	switch {
	case errors.Is(err, ingest.ErrInvalidEntity), errors.Is(err, coordinator.ErrInvalidRange):
		s.writeError(w, r, http.StatusBadRequest, err)
	case errors.Is(err, ingest.ErrNoCoordinator):
		s.writeError(w, r, http.StatusServiceUnavailable, err)
	case err != nil:
		s.writeError(w, r, http.StatusInternalServerError, err)
	default:
		s.writeJSON(w, r, http.StatusAccepted, status)
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.FromContext(r.Context()).Warn("failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, code int, err error) {
	if code >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("request failed", zap.Int("status", code), zap.Error(err))
	}
	s.writeJSON(w, r, code, errorResponse{Error: err.Error()})
}
