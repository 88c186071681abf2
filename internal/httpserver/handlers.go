package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"wadispatch/internal/domain"
	"wadispatch/internal/service"
	"wadispatch/internal/util"
)

type API struct {
	Svc *service.Engine
}

func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/v1/messages", a.handleScheduleMessage).Methods(http.MethodPost)
	r.HandleFunc("/v1/campaigns", a.handleScheduleCampaign).Methods(http.MethodPost)
	r.HandleFunc("/v1/jobs/{id}", a.handleGetJob).Methods(http.MethodGet)
	r.HandleFunc("/v1/jobs/{id}/cancel", a.handleCancelJob).Methods(http.MethodPost)
}

func (a *API) handleScheduleMessage(w http.ResponseWriter, r *http.Request) {
	var req domain.ScheduleMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	resp, err := a.Svc.ScheduleSingleMessage(r.Context(), req, util.NowUTC())
	if err != nil {
		a.writeScheduleError(w, r, err, req.TenantID)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (a *API) handleScheduleCampaign(w http.ResponseWriter, r *http.Request) {
	var req domain.ScheduleCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	resp, err := a.Svc.ScheduleCampaign(r.Context(), req, util.NowUTC())
	if err != nil {
		a.writeScheduleError(w, r, err, req.TenantID)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (a *API) writeScheduleError(w http.ResponseWriter, r *http.Request, err error, tenantID string) {
	switch {
	case errors.Is(err, domain.ErrMissingFields),
		errors.Is(err, domain.ErrNoRecipients),
		errors.Is(err, domain.ErrBadRecurrence):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrTenantUnknown):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		slog.Error("schedule failed", "err", err, "tenant_id", tenantID, "path", r.URL.Path)
		http.Error(w, ErrDependency, http.StatusBadGateway)
	}
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	resp, err := a.Svc.GetJobStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			http.Error(w, ErrNotFound, http.StatusNotFound)
			return
		}
		slog.Error("get job failed", "err", err, "job_id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	err := a.Svc.CancelJob(r.Context(), id, util.NowUTC())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"jobId": id, "status": string(domain.JobCanceled)})
	case errors.Is(err, domain.ErrJobNotFound):
		http.Error(w, ErrNotFound, http.StatusNotFound)
	case errors.Is(err, domain.ErrNotCancelable):
		// Claimed concurrently or already terminal; the job runs (or ran)
		// to completion.
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		slog.Error("cancel job failed", "err", err, "job_id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
