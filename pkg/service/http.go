package service

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/Cognate-Labs/aegis/core/pkg/chain"
	"github.com/Cognate-Labs/aegis/core/pkg/contracts"
	"github.com/Cognate-Labs/aegis/core/pkg/crypto"
	"github.com/Cognate-Labs/aegis/core/pkg/pow"
	"github.com/Cognate-Labs/aegis/core/pkg/scheduler"
)

// Handler builds the HTTP mux over the facade.
func Handler(s *Service) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealth(s))
	mux.HandleFunc("/api/v1/cycles/trigger", handleTrigger(s))
	mux.HandleFunc("/api/v1/cycles/current", handleCurrent(s))
	mux.HandleFunc("/api/v1/cycles/history", handleHistory(s))
	mux.HandleFunc("/api/v1/cycles/abort", handleAbort(s))
	mux.HandleFunc("/api/v1/cycles/{id}", handleGetCycle(s))
	mux.HandleFunc("/api/v1/checkpoint", handleCheckpoint(s))
	mux.HandleFunc("/api/v1/keys", handleKeygen(s))
	mux.HandleFunc("/api/v1/votes/challenge", handleChallenge(s))
	mux.HandleFunc("/api/v1/votes/tally", handleTally(s))
	mux.HandleFunc("/api/v1/votes", handleVote(s))
	mux.HandleFunc("/api/v1/ledger/status", handleLedgerStatus(s))
	mux.HandleFunc("/api/v1/ledger/blocks", handleLedgerBlocks(s))
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeServiceError maps the core's error taxonomy onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	var ierr *chain.IntegrityError
	switch {
	case errors.Is(err, contracts.ErrValidation):
		writeBadRequest(w, err.Error())
	case errors.Is(err, contracts.ErrCycleInProgress):
		writeConflict(w, err.Error())
	case errors.Is(err, crypto.ErrSignature):
		writeForbidden(w, err.Error())
	case errors.Is(err, scheduler.ErrDisabled):
		writeForbidden(w, err.Error())
	case errors.Is(err, pow.ErrReplay):
		writeConflict(w, err.Error())
	case errors.Is(err, pow.ErrStaleChallenge), errors.Is(err, pow.ErrInsufficientWork):
		writeBadRequest(w, err.Error())
	case errors.Is(err, pow.ErrRateLimited):
		writeTooManyRequests(w, 10)
	case errors.As(err, &ierr):
		// An integrity failure is fatal to the system, never hidden.
		writeProblem(w, http.StatusInternalServerError, "Ledger Integrity Failure", err.Error())
	default:
		writeInternal(w, err)
	}
}

func handleHealth(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":        "ok",
			"model_version": s.ModelVersion(),
		})
	}
}

func handleTrigger(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req struct {
			Mode string `json:"mode"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, "Invalid request body")
			return
		}
		if req.Mode == "" {
			req.Mode = string(scheduler.ModeManual)
		}
		c, err := s.TriggerCycle(r.Context(), scheduler.Mode(req.Mode))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, c)
	}
}

func handleCurrent(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		c := s.CurrentCycle()
		if c == nil {
			writeNotFound(w, "no cycle has been triggered yet")
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func handleGetCycle(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		c, ok := s.GetCycle(r.PathValue("id"))
		if !ok {
			writeNotFound(w, "unknown cycle id")
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func handleHistory(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		writeJSON(w, http.StatusOK, s.CycleHistory())
	}
}

func handleAbort(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, "Invalid request body")
			return
		}
		if err := s.AbortCycle(r.Context(), req.Reason); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
	}
}

func handleCheckpoint(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req struct {
			CycleID   string `json:"cycle_id"`
			Signature string `json:"signature"`
			PublicKey string `json:"public_key"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, "Invalid request body")
			return
		}
		if err := s.SubmitCheckpoint(r.Context(), req.CycleID, req.Signature, req.PublicKey); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":        "activated",
			"cycle_id":      req.CycleID,
			"model_version": s.ModelVersion(),
		})
	}
}

func handleKeygen(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		kp, err := s.GenerateKeypair()
		if err != nil {
			writeInternal(w, err)
			return
		}
		// The secret key leaves the core exactly here and is never stored.
		writeJSON(w, http.StatusCreated, kp)
	}
}

func handleChallenge(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req struct {
			VoterID    string `json:"voter_id"`
			QuestionID string `json:"question_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, "Invalid request body")
			return
		}
		challenge, err := s.IssueChallenge(r.Context(), req.VoterID, req.QuestionID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"challenge": challenge})
	}
}

func handleVote(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var v contracts.Vote
		if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
			writeBadRequest(w, "Invalid request body")
			return
		}
		if err := s.SubmitVote(r.Context(), v); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"status": "recorded"})
	}
}

func handleTally(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		question := r.URL.Query().Get("question")
		if question == "" {
			writeBadRequest(w, "question query parameter required")
			return
		}
		counts, err := s.TallyVotes(r.Context(), question)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, counts)
	}
}

func handleLedgerStatus(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		status, err := s.VerifyLedger(r.Context())
		if err != nil {
			writeInternal(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func handleLedgerBlocks(s *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		from, err := parseIndex(r.URL.Query().Get("from"), 1)
		if err != nil {
			writeBadRequest(w, "from must be a positive integer")
			return
		}
		to, err := parseIndex(r.URL.Query().Get("to"), 0)
		if err != nil {
			writeBadRequest(w, "to must be a positive integer")
			return
		}
		if to == 0 {
			n, err := s.chain.Len(r.Context())
			if err != nil {
				writeInternal(w, err)
				return
			}
			to = n
		}
		blocks, err := s.LedgerBlocks(r.Context(), from, to)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, blocks)
	}
}

func parseIndex(s string, def uint64) (uint64, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseUint(s, 10, 64)
}
