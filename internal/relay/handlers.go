package relay

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"

	"github.com/carlosrabelo/plotrelay/internal/upstream"
	apperrors "github.com/carlosrabelo/plotrelay/pkg/errors"
)

var wire = jsoniter.ConfigCompatibleWithStandardLibrary

const submitTimeout = 30 * time.Second

// Burst wallet error codes
const (
	errIncorrectRequest = 1
	errMissingParameter = 3
	errIncorrectParam   = 4
	errUnavailable      = 5
	errRejected         = 1004
)

type miningInfoResponse struct {
	Height              uint64 `json:"height"`
	BaseTarget          string `json:"baseTarget"`
	GenerationSignature string `json:"generationSignature"`
	TargetDeadline      uint64 `json:"targetDeadline,omitempty"`
	MiningHalted        bool   `json:"miningHalted,omitempty"`
	Coin                string `json:"coin,omitempty"`
}

type submitResponse struct {
	Result   string `json:"result"`
	Deadline uint64 `json:"deadline"`
}

type errorResponse struct {
	ErrorCode        int    `json:"errorCode"`
	ErrorDescription string `json:"errorDescription"`
	Kind             string `json:"kind,omitempty"`
}

// Routes returns the miner-facing handler of this proxy
func (r *Relay) Routes(middlewares ...func(http.Handler) http.Handler) chi.Router {
	rt := chi.NewRouter()
	rt.Use(middlewares...)
	rt.HandleFunc("/burst", r.handleBurst)
	rt.Post("/progress", r.handleProgress)
	rt.Get("/snapshots", r.handleSnapshots)
	return rt
}

// handleBurst dispatches on requestType
// GET|POST /burst?requestType=getMiningInfo|submitNonce
func (r *Relay) handleBurst(w http.ResponseWriter, req *http.Request) {
	switch req.FormValue("requestType") {
	case "getMiningInfo":
		r.handleMiningInfo(w, req)
	case "submitNonce":
		r.handleSubmitNonce(w, req)
	case "":
		writeError(w, http.StatusBadRequest, errMissingParameter, "requestType is required", "")
	default:
		writeError(w, http.StatusBadRequest, errIncorrectRequest, "unsupported requestType", "")
	}
}

func (r *Relay) handleMiningInfo(w http.ResponseWriter, req *http.Request) {
	_, rd, ok := r.Active()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, errUnavailable, "no mining info available yet", apperrors.CodeUpstreamDisconnected)
		return
	}
	writeJSON(w, http.StatusOK, miningInfoResponse{
		Height:              rd.Height,
		BaseTarget:          strconv.FormatUint(rd.BaseTarget, 10),
		GenerationSignature: rd.GenerationSignature,
		TargetDeadline:      rd.TargetDeadline,
		MiningHalted:        rd.MiningHalted,
		Coin:                rd.Coin,
	})
}

func (r *Relay) handleSubmitNonce(w http.ResponseWriter, req *http.Request) {
	sub, err := parseSubmission(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, errIncorrectParam, err.Message, err.Code)
		return
	}
	opts, minerSoftware := submitOptions(req)

	ctx, cancel := context.WithTimeout(req.Context(), submitTimeout)
	defer cancel()

	res := r.Submit(ctx, sub, minerSoftware, opts)
	if res.Err != nil {
		status := http.StatusOK
		if res.Err.Code == apperrors.CodeInvalidSubmission {
			status = http.StatusBadRequest
		}
		writeError(w, status, errRejected, res.Err.Message, res.Err.Code)
		return
	}

	out := submitResponse{Result: "success"}
	if res.Result != nil {
		if res.Result.Result != "" {
			out.Result = res.Result.Result
		}
		out.Deadline = res.Result.Deadline
	}
	writeJSON(w, http.StatusOK, out)
}

// handleProgress records a miner scan progress report
// POST /progress
func (r *Relay) handleProgress(w http.ResponseWriter, req *http.Request) {
	var p Progress
	if err := wire.NewDecoder(req.Body).Decode(&p); err != nil {
		http.Error(w, "invalid progress report", http.StatusBadRequest)
		return
	}
	if p.Progress < 0 || p.Progress > 100 {
		http.Error(w, "progress must be within 0 and 100", http.StatusBadRequest)
		return
	}
	if p.Miner == "" {
		p.Miner = req.Header.Get("X-MinerName")
	}
	r.ReportProgress(p)
	w.WriteHeader(http.StatusNoContent)
}

// handleSnapshots returns the snapshots of this proxy
// GET /snapshots
func (r *Relay) handleSnapshots(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.Snapshots())
}

func parseSubmission(req *http.Request) (upstream.Submission, *apperrors.AppError) {
	var sub upstream.Submission

	sub.AccountID = strings.TrimSpace(req.FormValue("accountId"))
	if sub.AccountID == "" {
		return sub, errMissing("accountId")
	}

	var err *apperrors.AppError
	if sub.Nonce, err = parseUint(req, "nonce", true); err != nil {
		return sub, err
	}
	if sub.Deadline, err = parseUint(req, "deadline", true); err != nil {
		return sub, err
	}
	if sub.Height, err = parseUint(req, "blockheight", false); err != nil {
		return sub, err
	}
	return sub, nil
}

func parseUint(req *http.Request, name string, required bool) (uint64, *apperrors.AppError) {
	v := strings.TrimSpace(req.FormValue(name))
	if v == "" {
		if required {
			return 0, errMissing(name)
		}
		return 0, nil
	}
	n, perr := strconv.ParseUint(v, 10, 64)
	if perr != nil {
		return 0, apperrors.New(apperrors.CodeInvalidSubmission, "invalid "+name)
	}
	return n, nil
}

func errMissing(name string) *apperrors.AppError {
	return apperrors.New(apperrors.CodeInvalidSubmission, name+" is required")
}

// submitOptions reads the miner's headers
func submitOptions(req *http.Request) (upstream.SubmitOptions, string) {
	opts := upstream.SubmitOptions{
		MinerName:   req.Header.Get("X-MinerName"),
		AccountName: req.Header.Get("X-AccountName"),
	}
	if c := req.Header.Get("X-Capacity"); c != "" {
		if gib, err := strconv.ParseFloat(c, 64); err == nil && gib > 0 {
			opts.CapacityGiB = gib
		}
	}
	software := req.Header.Get("X-Miner")
	if software == "" {
		software = req.Header.Get("User-Agent")
	}
	return opts, software
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = wire.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status, code int, msg, kind string) {
	writeJSON(w, status, errorResponse{ErrorCode: code, ErrorDescription: msg, Kind: kind})
}
