package cnc

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/daqkit/daqctl/pkg/component"
	"github.com/daqkit/daqctl/pkg/runset"
)

// API exposes the registry over JSON for operators and the run control
// scripts.
type API struct {
	registry *Registry
	logger   log.Logger
}

// NewAPI wraps the registry in the operator HTTP handlers.
func NewAPI(registry *Registry, logger log.Logger) *API {
	return &API{registry: registry, logger: logger}
}

// RegisterRoutes attaches the operator endpoints to the router.
func (a *API) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/v1/components", a.listComponents).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/runsets", a.listRunsets).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/runsets", a.makeRunset).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/runsets/{id}", a.breakRunset).Methods(http.MethodDelete)
	router.HandleFunc("/api/v1/runsets/{id}/start", a.startRun).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/runsets/{id}/stop", a.stopRun).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/runsets/{id}/switch", a.switchRun).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/runsets/{id}/reset", a.resetRunset).Methods(http.MethodPost)
}

type componentsResponse struct {
	Components []ComponentStatus `json:"components"`
}

type runsetsResponse struct {
	Runsets []RunsetStatus `json:"runsets"`
}

type startRequest struct {
	RunNumber int    `json:"run_number"`
	LogMode   string `json:"log_mode"`
	MoniMode  string `json:"moni_mode"`
}

type switchRequest struct {
	RunNumber int `json:"run_number"`
}

type resetResponse struct {
	RunsetStatus
	CycleComponents []string `json:"cycle_components,omitempty"`
}

func (a *API) listComponents(w http.ResponseWriter, req *http.Request) {
	a.writeJSON(w, componentsResponse{Components: a.registry.ListComponents()})
}

func (a *API) listRunsets(w http.ResponseWriter, req *http.Request) {
	a.writeJSON(w, runsetsResponse{Runsets: a.registry.ListRunsets()})
}

func (a *API) makeRunset(w http.ResponseWriter, req *http.Request) {
	var rc RunConfig
	if !a.decode(w, req, &rc) {
		return
	}
	rs, err := a.registry.MakeRunset(req.Context(), rc)
	if err != nil {
		a.writeError(w, err, http.StatusInternalServerError, "could not build runset")
		return
	}
	a.writeJSON(w, runsetStatus(rs))
}

func (a *API) breakRunset(w http.ResponseWriter, req *http.Request) {
	rs, ok := a.runsetFor(w, req)
	if !ok {
		return
	}
	if err := a.registry.BreakRunset(req.Context(), rs.ID()); err != nil {
		status := http.StatusInternalServerError
		if rs.State() == component.StateRunning {
			status = http.StatusConflict
		}
		a.writeError(w, err, status, "could not break runset")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) startRun(w http.ResponseWriter, req *http.Request) {
	rs, ok := a.runsetFor(w, req)
	if !ok {
		return
	}
	var body startRequest
	if !a.decode(w, req, &body) {
		return
	}
	if body.RunNumber <= 0 {
		a.writeError(w, errors.Errorf("Bad run number %d", body.RunNumber), http.StatusBadRequest, "could not start run")
		return
	}
	options, err := runset.ParseRunOption(body.LogMode, body.MoniMode)
	if err != nil {
		a.writeError(w, err, http.StatusBadRequest, "could not start run")
		return
	}
	if err := rs.StartRun(req.Context(), body.RunNumber, a.registry.cfg.ClusterDesc, options); err != nil {
		a.writeError(w, err, http.StatusInternalServerError, "could not start run")
		return
	}
	a.writeJSON(w, runsetStatus(rs))
}

func (a *API) stopRun(w http.ResponseWriter, req *http.Request) {
	rs, ok := a.runsetFor(w, req)
	if !ok {
		return
	}
	if err := rs.StopRun(req.Context(), runset.NormalStop, false); err != nil {
		a.writeError(w, err, http.StatusInternalServerError, "could not stop run")
		return
	}
	a.writeJSON(w, runsetStatus(rs))
}

func (a *API) switchRun(w http.ResponseWriter, req *http.Request) {
	rs, ok := a.runsetFor(w, req)
	if !ok {
		return
	}
	var body switchRequest
	if !a.decode(w, req, &body) {
		return
	}
	if body.RunNumber <= 0 {
		a.writeError(w, errors.Errorf("Bad run number %d", body.RunNumber), http.StatusBadRequest, "could not switch run")
		return
	}
	if err := rs.SwitchRun(req.Context(), body.RunNumber); err != nil {
		a.writeError(w, err, http.StatusInternalServerError, "could not switch run")
		return
	}
	a.writeJSON(w, runsetStatus(rs))
}

func (a *API) resetRunset(w http.ResponseWriter, req *http.Request) {
	rs, ok := a.runsetFor(w, req)
	if !ok {
		return
	}
	cycle := rs.Reset(req.Context())
	resp := resetResponse{RunsetStatus: runsetStatus(rs)}
	for _, c := range cycle {
		resp.CycleComponents = append(resp.CycleComponents, c.FullName())
	}
	a.writeJSON(w, resp)
}

// runsetFor resolves the {id} route variable to a live runset, answering
// the request itself when it cannot.
func (a *API) runsetFor(w http.ResponseWriter, req *http.Request) (*runset.RunSet, bool) {
	raw := mux.Vars(req)["id"]
	id, err := strconv.Atoi(raw)
	if err != nil {
		a.writeError(w, errors.Errorf("Bad runset ID %q", raw), http.StatusBadRequest, "bad request")
		return nil, false
	}
	rs, err := a.registry.Runset(id)
	if err != nil {
		a.writeError(w, err, http.StatusNotFound, "unknown runset")
		return nil, false
	}
	return rs, true
}

func (a *API) decode(w http.ResponseWriter, req *http.Request, v interface{}) bool {
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		a.writeError(w, err, http.StatusBadRequest, "unable to unmarshal request body")
		return false
	}
	return true
}

func (a *API) writeError(w http.ResponseWriter, err error, statusCode int, msg string) {
	level.Error(a.logger).Log("msg", msg, "err", err)
	http.Error(w, err.Error(), statusCode)
}

func (a *API) writeJSON(w http.ResponseWriter, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		a.writeError(w, err, http.StatusInternalServerError, "can not marshal the response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if n, err := w.Write(body); err != nil {
		level.Error(a.logger).Log("msg", "error writing response", "bytesWritten", n, "err", err)
	}
}
