package nodeadmin

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/ryedb/shardadmin/adminerrors"
	"github.com/ryedb/shardadmin/pkg/adminhttp"
	"go.uber.org/zap"
)

type HandlerOptions struct {
	Logger *zap.Logger
	Agent  Agent
}

type handler struct {
	logger *zap.Logger
	agent  Agent
}

// NewHandler serves the node admin protocol on top of an Agent.
func NewHandler(opts HandlerOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &handler{
		logger: logger,
		agent:  opts.Agent,
	}

	r := mux.NewRouter()
	r.HandleFunc("/v1/handshake", h.handleHandshake).Methods(http.MethodGet)
	r.HandleFunc("/v1/instances", h.handleListInstances).Methods(http.MethodGet)
	r.HandleFunc("/v1/files", h.handlePushFile).Methods(http.MethodPost)
	r.HandleFunc("/v1/files/{name}", h.handleRemoveFile).Methods(http.MethodDelete)
	r.HandleFunc("/v1/dbs/{db}", h.handleCreateDbDir).Methods(http.MethodPost)
	r.HandleFunc("/v1/dbs/{db}", h.handleRemoveDbDir).Methods(http.MethodDelete)
	r.HandleFunc("/v1/dbs/{db}/instance", h.handleStartInstance).Methods(http.MethodPost)
	r.HandleFunc("/v1/dbs/{db}/instance", h.handleStopInstance).Methods(http.MethodDelete)

	return r
}

func (h *handler) reply(w http.ResponseWriter, err error) {
	if err != nil {
		h.logger.Debug("node admin request failed", zap.Error(err))
		adminhttp.WriteError(h.logger, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) handleHandshake(w http.ResponseWriter, r *http.Request) {
	resp, err := h.agent.Handshake(r.Context())
	if err != nil {
		adminhttp.WriteError(h.logger, w, err)
		return
	}
	adminhttp.WriteJSON(h.logger, w, http.StatusOK, &resp)
}

func (h *handler) handleListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := h.agent.ListInstances(r.Context())
	if err != nil {
		adminhttp.WriteError(h.logger, w, err)
		return
	}
	adminhttp.WriteJSON(h.logger, w, http.StatusOK, &InstancesResponse{Instances: instances})
}

func (h *handler) handlePushFile(w http.ResponseWriter, r *http.Request) {
	var req PushFileRequest
	err := adminhttp.DecodeJSON(r, &req)
	if err != nil {
		h.reply(w, err)
		return
	}
	if req.Name == "" {
		h.reply(w, adminerrors.Newf(adminerrors.ErrRejected, "", "file name is required"))
		return
	}

	h.reply(w, h.agent.PushFile(r.Context(), req.Name, req.Data))
}

func (h *handler) handleRemoveFile(w http.ResponseWriter, r *http.Request) {
	h.reply(w, h.agent.RemoveFile(r.Context(), mux.Vars(r)["name"]))
}

func (h *handler) handleCreateDbDir(w http.ResponseWriter, r *http.Request) {
	h.reply(w, h.agent.CreateDbDir(r.Context(), mux.Vars(r)["db"]))
}

func (h *handler) handleRemoveDbDir(w http.ResponseWriter, r *http.Request) {
	h.reply(w, h.agent.RemoveDbDir(r.Context(), mux.Vars(r)["db"]))
}

func (h *handler) handleStartInstance(w http.ResponseWriter, r *http.Request) {
	var req StartInstanceRequest
	err := adminhttp.DecodeJSON(r, &req)
	if err != nil {
		h.reply(w, err)
		return
	}

	req.LocalDbName = mux.Vars(r)["db"]
	if req.Mode == "" {
		req.Mode = StartRegistered
	}

	h.reply(w, h.agent.StartInstance(r.Context(), req))
}

func (h *handler) handleStopInstance(w http.ResponseWriter, r *http.Request) {
	h.reply(w, h.agent.StopInstance(r.Context(), mux.Vars(r)["db"]))
}
