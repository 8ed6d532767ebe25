package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/WessleyAI/estate-rag/engine/domain"
	"github.com/WessleyAI/estate-rag/engine/ingest"
	"github.com/WessleyAI/estate-rag/engine/rag"
	"github.com/WessleyAI/estate-rag/pkg/blob"
	"github.com/WessleyAI/estate-rag/pkg/mid"
	"github.com/WessleyAI/estate-rag/pkg/resilience"
)

const (
	defaultSampleLimit = 10
	maxSampleLimit     = 500
	maxBodyBytes       = 1 << 20
)

// handler returns the routed and wrapped HTTP surface.
func (a *app) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", a.handleHealth)
	mux.HandleFunc("POST /api/ingest", a.handleIngest)
	mux.HandleFunc("POST /api/process", a.handleProcess)
	mux.HandleFunc("POST /api/index/build", a.handleBuild)
	mux.HandleFunc("POST /api/agent/run", a.handleAgentRun)
	mux.HandleFunc("POST /api/rag/query", a.handleRAGQuery)
	mux.HandleFunc("GET /api/listings/sample", a.handleSample)
	mux.HandleFunc("GET /api/listings/{id}", a.handleListing)
	mux.Handle("GET /metrics", a.registry.Handler())

	limiter := resilience.NewLimiter(resilience.LimiterOpts{Rate: a.cfg.HTTP.RatePerSec, Burst: a.cfg.HTTP.Burst})
	return mid.Chain(mux,
		mid.Recover(a.logger),
		mid.WithRequestID(),
		mid.Logger(a.logger),
		mid.Metrics(a.registry),
		mid.CORS(a.cfg.HTTP.CORSOrigin),
		mid.RateLimit(limiter),
		mid.OTel(a.cfg.Service),
	)
}

// --- Handlers ---

type healthResponse struct {
	Status   string `json:"status"`
	Service  string `json:"service"`
	Version  string `json:"version"`
	Index    bool   `json:"index_loaded"`
	Listings int    `json:"listings"`
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Service:  a.cfg.Service,
		Version:  a.cfg.Version,
		Index:    a.svc.Index() != nil,
		Listings: a.svc.Store().Len(),
	})
}

// IngestRequest is the JSON body for POST /api/ingest. URL defaults to the
// configured dataset URL.
type IngestRequest struct {
	URL string `json:"url,omitempty"`
}

func (a *app) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	if req.URL == "" {
		req.URL = a.cfg.DatasetURL
	}
	rep, err := a.runner.Ingest(r.Context(), ingest.HTTPSource{URL: req.URL})
	if err != nil {
		a.logger.Error("ingest failed", "url", req.URL, "err", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *app) handleProcess(w http.ResponseWriter, r *http.Request) {
	p, err := a.runner.Process(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p.Report)
}

// BuildResponse is the JSON response for POST /api/index/build.
type BuildResponse struct {
	Summary rag.BuildSummary `json:"summary"`
	Report  *ingest.Report   `json:"report,omitempty"`
}

func (a *app) handleBuild(w http.ResponseWriter, r *http.Request) {
	var req ingest.BuildRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	switch req.Source {
	case "", ingest.FromProcessed, ingest.FromRaw:
	case ingest.FromURL:
		if req.URL == "" {
			req.URL = a.cfg.DatasetURL
		}
	default:
		writeError(w, http.StatusBadRequest, "source must be processed, raw or url")
		return
	}
	sum, report, err := a.builds.Build(r.Context(), req)
	if err != nil {
		a.logger.Error("index build failed", "source", req.Source, "err", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, BuildResponse{Summary: sum, Report: report})
}

// QueryRequest is the JSON body for POST /api/agent/run and POST /api/rag/query.
// Filters is only read by /api/agent/run; unknown attributes are ignored.
type QueryRequest struct {
	Query   string         `json:"query"`
	K       int            `json:"k,omitempty"`
	Filters map[string]any `json:"filters,omitempty"`
}

func (a *app) decodeQuery(w http.ResponseWriter, r *http.Request) (QueryRequest, bool) {
	var req QueryRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if err := domain.ValidateQueryText(req.Query); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return req, false
	}
	if req.K < 0 {
		writeError(w, http.StatusBadRequest, "k must not be negative")
		return req, false
	}
	return req, true
}

// handleAgentRun always answers 200 with the full trace; failures are
// reported inside the result.
func (a *app) handleAgentRun(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeQuery(w, r)
	if !ok {
		return
	}
	extra := domain.FiltersFromMap(req.Filters)
	writeJSON(w, http.StatusOK, a.svc.RunQueryFiltered(r.Context(), req.Query, req.K, extra))
}

func (a *app) handleRAGQuery(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeQuery(w, r)
	if !ok {
		return
	}
	hits, err := a.svc.Search(r.Context(), req.Query, req.K)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": req.Query, "results": hits})
}

// handleSample serves from the loaded record store, or from the processed
// dataset when nothing has been indexed yet.
func (a *app) handleSample(w http.ResponseWriter, r *http.Request) {
	n := defaultSampleLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		n = min(parsed, maxSampleLimit)
	}
	if a.svc.Store().Len() > 0 {
		writeJSON(w, http.StatusOK, a.svc.Store().Sample(n))
		return
	}
	ls, err := a.runner.Sample(r.Context(), n)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ls)
}

func (a *app) handleListing(w http.ResponseWriter, r *http.Request) {
	l, err := a.svc.Store().Get(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// --- Helpers ---

// decodeOptional decodes a JSON body when one is present.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrEmptyQuery), errors.Is(err, domain.ErrQueryTooLong):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, blob.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrIncompatibleIndex):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRetrievalUnavailable), errors.Is(err, rag.ErrNoBlobStore):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
