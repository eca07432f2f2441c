package brokeradmin

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/ryedb/shardadmin/adminerrors"
	"github.com/ryedb/shardadmin/pkg/adminhttp"
	"github.com/ryedb/shardadmin/topology"
	"go.uber.org/zap"
)

type HandlerOptions struct {
	Logger  *zap.Logger
	Service Service
}

type handler struct {
	logger  *zap.Logger
	service Service
}

func NewHandler(opts HandlerOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &handler{
		logger:  logger,
		service: opts.Service,
	}

	r := mux.NewRouter()
	r.HandleFunc("/v1/restart", h.handleRestart).Methods(http.MethodPost)
	r.HandleFunc("/v1/generation/{db}", h.handleGeneration).Methods(http.MethodGet)

	return r
}

func (h *handler) handleRestart(w http.ResponseWriter, r *http.Request) {
	_, password, ok := r.BasicAuth()
	if !ok || password == "" {
		adminhttp.WriteError(h.logger, w,
			adminerrors.Newf(adminerrors.ErrAuthDenied, "", "dba credential required"))
		return
	}

	var req RestartRequest
	err := adminhttp.DecodeJSON(r, &req)
	if err != nil {
		adminhttp.WriteError(h.logger, w, err)
		return
	}

	err = h.service.Restart(r.Context(), topology.NewCredential(password))
	if err != nil {
		h.logger.Debug("broker restart refused", zap.Error(err))
		adminhttp.WriteError(h.logger, w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) handleGeneration(w http.ResponseWriter, r *http.Request) {
	db := mux.Vars(r)["db"]

	gen, err := h.service.Generation(r.Context(), db)
	if err != nil {
		adminhttp.WriteError(h.logger, w, err)
		return
	}

	adminhttp.WriteJSON(h.logger, w, http.StatusOK, &GenerationResponse{
		GlobalDbName: db,
		Generation:   gen,
	})
}
