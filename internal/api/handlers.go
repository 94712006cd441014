package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gorilla/mux"
	"golang.org/x/text/unicode/norm"

	"lightpoll/internal/access"
	"lightpoll/internal/channels"
	"lightpoll/internal/observability/logging"
	"lightpoll/internal/polling"
)

// Handler serves the polling endpoints and the admin API.
type Handler struct {
	Service *polling.Service
	Access  access.Authorizer
	Logger  *slog.Logger
	Checks  map[string]HealthCheck
}

// NewHandler builds a Handler. A nil authorizer allows every request.
func NewHandler(service *polling.Service, authorizer access.Authorizer, logger *slog.Logger) *Handler {
	if authorizer == nil {
		authorizer = access.AllowAll{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Service: service,
		Access:  authorizer,
		Logger:  logging.WithComponent(logger, "http"),
		Checks:  make(map[string]HealthCheck),
	}
}

func (h *Handler) logger(r *http.Request) *slog.Logger {
	return logging.WithContext(r.Context(), h.Logger)
}

// connectionVar returns the {id} route variable and records it on the request
// context for logging.
func connectionVar(r *http.Request) (string, *http.Request) {
	id := mux.Vars(r)["id"]
	return id, r.WithContext(logging.ContextWithConnectionID(r.Context(), id))
}

// channelVar returns the {channel} route variable trimmed and in NFC so the
// same visible name always addresses the same channel.
func channelVar(r *http.Request) string {
	return norm.NFC.String(strings.TrimSpace(mux.Vars(r)["channel"]))
}

// FetchConnection answers GET /fetchConnection/{id}. The response is always
// 200: invalid or inaccessible identifiers get "no access", missing
// connections "no file".
func (h *Handler) FetchConnection(w http.ResponseWriter, r *http.Request) {
	id, r := connectionVar(r)
	w.Header().Set("Cache-Control", "no-store")
	if polling.ValidateIdentifier(id) != nil || !h.Access.CanAccess(r, id) {
		writeRawJSON(w, http.StatusOK, h.Service.NoAccessPayload())
		return
	}
	writeRawJSON(w, http.StatusOK, h.Service.ConnectionPayload(r.Context(), id))
}

// PageData answers GET /page-data?connection=a&connection=b with the
// bootstrap payload of every accessible connection, initializing each so
// clients have something to poll.
func (h *Handler) PageData(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	for _, id := range r.URL.Query()["connection"] {
		if polling.ValidateIdentifier(id) != nil || !h.Access.CanAccess(r, id) {
			h.logger(r).Debug("skipping connection", "connection_id", id)
			continue
		}
		if _, err := h.Service.InitConnection(ctx, id); err != nil {
			h.logger(r).Warn("init connection failed", "connection_id", id, "error", err)
			continue
		}
		if err := h.Service.RequestConnection(ctx, id); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	w.Header().Set("Cache-Control", "no-store")
	writeRawJSON(w, http.StatusOK, h.Service.RequestedPayload(ctx))
}

// Projection answers GET <dynamic path>/{id} with the client document of a
// connection rendered from the store. It honours If-None-Match and
// If-Modified-Since so pollers get cheap 304s.
func (h *Handler) Projection(w http.ResponseWriter, r *http.Request) {
	id, r := connectionVar(r)
	if !h.Access.CanAccess(r, id) {
		writeError(w, http.StatusForbidden, errors.New(polling.PayloadNoAccess))
		return
	}
	data, set, ok, err := h.Service.Projection(r.Context(), id)
	switch {
	case errors.Is(err, polling.ErrInvalidIdentifier):
		writeError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		h.logger(r).Error("render projection failed", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New(polling.PayloadReadFailed))
		return
	case !ok:
		writeError(w, http.StatusNotFound, errors.New(polling.PayloadNoFile))
		return
	}

	modified := set.TimeModified().UTC().Truncate(time.Second)
	etag := `"` + strconv.FormatUint(xxhash.Sum64(data), 16) + `"`
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("ETag", etag)
	w.Header().Set("Last-Modified", modified.Format(http.TimeFormat))
	if notModified(r, etag, modified) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeRawJSON(w, http.StatusOK, data)
}

func notModified(r *http.Request, etag string, modified time.Time) bool {
	if match := r.Header.Get("If-None-Match"); match != "" {
		for _, candidate := range strings.Split(match, ",") {
			candidate = strings.TrimSpace(candidate)
			if candidate == etag || candidate == "*" {
				return true
			}
		}
		return false
	}
	since, err := http.ParseTime(r.Header.Get("If-Modified-Since"))
	if err != nil {
		return false
	}
	return !modified.After(since)
}

// RequireAdmin rejects requests the authorizer does not let administer
// connections.
func (h *Handler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.Access.CanAdminister(r) {
			writeError(w, http.StatusForbidden, errors.New("forbidden"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// InitConnection answers POST /api/connections/{id}/init with the payload
// clients would bootstrap from.
func (h *Handler) InitConnection(w http.ResponseWriter, r *http.Request) {
	id, r := connectionVar(r)
	if _, err := h.Service.InitConnection(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeRawJSON(w, http.StatusOK, h.Service.ConnectionPayload(r.Context(), id))
}

// AddChannel answers PUT /api/connections/{id}/channels/{channel}.
func (h *Handler) AddChannel(w http.ResponseWriter, r *http.Request) {
	id, r := connectionVar(r)
	if err := h.Service.AddChannel(r.Context(), id, channelVar(r)); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type pingRequest struct {
	Time *int64 `json:"time"`
}

// PingChannel answers POST /api/connections/{id}/channels/{channel}/ping. An
// optional {"time": <unix seconds>} body sets the ping time.
func (h *Handler) PingChannel(w http.ResponseWriter, r *http.Request) {
	id, r := connectionVar(r)
	var at time.Time
	if r.ContentLength != 0 && r.Body != nil && r.Body != http.NoBody {
		var req pingRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if req.Time != nil {
			at = time.Unix(*req.Time, 0)
		}
	}
	if err := h.Service.PingChannel(r.Context(), id, channelVar(r), at); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddMessage answers POST /api/connections/{id}/channels/{channel}/messages.
// The body is stored as the message verbatim, compacted.
func (h *Handler) AddMessage(w http.ResponseWriter, r *http.Request) {
	id, r := connectionVar(r)
	body, err := readJSONBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.Service.AddMessage(r.Context(), id, channelVar(r), json.RawMessage(compact.Bytes())); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteChannel answers DELETE /api/connections/{id}/channels/{channel}.
func (h *Handler) DeleteChannel(w http.ResponseWriter, r *http.Request) {
	id, r := connectionVar(r)
	if err := h.Service.DeleteChannel(r.Context(), id, channelVar(r)); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteConnection answers DELETE /api/connections/{id}.
func (h *Handler) DeleteConnection(w http.ResponseWriter, r *http.Request) {
	id, r := connectionVar(r)
	if err := h.Service.DeleteConnection(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Flush answers POST /api/flush.
func (h *Handler) Flush(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.Flush(r.Context()); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, polling.ErrInvalidIdentifier),
		errors.Is(err, polling.ErrInvalidChannel),
		errors.Is(err, channels.ErrInvalidMessage):
		writeError(w, http.StatusBadRequest, err)
	default:
		h.logger(r).Error("connection operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}
