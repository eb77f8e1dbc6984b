package httpapi

import (
	"bytes"
	stderrors "errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/wattwise/energy-monitor/internal/app/services/alerts"
	energysvc "github.com/wattwise/energy-monitor/internal/app/services/energy"
	"github.com/wattwise/energy-monitor/internal/app/services/uploads"
	"github.com/wattwise/energy-monitor/internal/errors"
	"github.com/wattwise/energy-monitor/internal/httputil"
	"github.com/wattwise/energy-monitor/internal/middleware"
	"github.com/wattwise/energy-monitor/internal/platform/objectstore"
)

// uploadVerifier is implemented by object stores whose presigned URLs point
// back at this server.
type uploadVerifier interface {
	VerifyPut(key string, query url.Values, now time.Time) error
}

func (h *handler) energyInput(w http.ResponseWriter, r *http.Request) {
	var in energysvc.Input
	if err := httputil.DecodeJSON(r, &in); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	reading, err := h.app.Energy.Record(r.Context(), middleware.GetUserID(r), in)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Energy data saved successfully",
		"data":    reading,
	})
}

func (h *handler) energyHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	readings, err := h.app.Energy.History(r.Context(), middleware.GetUserID(r), q.Get("startDate"), q.Get("endDate"))
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Energy history retrieved successfully",
		"data":    readings,
	})
}

func (h *handler) energySummary(w http.ResponseWriter, r *http.Request) {
	period, buckets, err := h.app.Energy.Summary(r.Context(), middleware.GetUserID(r), r.URL.Query().Get("period"))
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Energy " + string(period) + " summary retrieved successfully",
		"data":    buckets,
	})
}

func (h *handler) energyDownload(w http.ResponseWriter, r *http.Request) {
	// Buffer so a failure can still be reported as JSON.
	var buf bytes.Buffer
	if err := h.app.Energy.Export(r.Context(), middleware.GetUserID(r), &buf); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="energy-data.csv"`)
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (h *handler) alerts(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r)
	switch r.Method {
	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, httputil.MaxBodyBytes))
		if err != nil {
			httputil.WriteError(w, r, errors.BadRequest("Invalid request body"))
			return
		}
		value, err := alerts.ParseThreshold(body)
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		if err := h.app.Alerts.SetThreshold(r.Context(), userID, value); err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		httputil.WriteMessage(w, http.StatusOK, "Threshold set successfully")

	case http.MethodGet:
		threshold, err := h.app.Alerts.GetThreshold(r.Context(), userID)
		if err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"threshold": threshold})

	default:
		httputil.WriteError(w, r, errors.MethodNotAllowed())
	}
}

func (h *handler) prediction(w http.ResponseWriter, r *http.Request) {
	res, err := h.app.Prediction.Predict(r.Context(), middleware.GetUserID(r), r.URL.Query().Get("date"))
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *handler) presignedURL(w http.ResponseWriter, r *http.Request) {
	if h.app.Uploads == nil {
		httputil.WriteError(w, r, errors.Internal("Error generating presigned URL", nil))
		return
	}
	res, err := h.app.Uploads.PresignUpload(r.Context(), middleware.GetUserID(r))
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

// upload receives a browser PUT to a locally presigned URL, stores the file
// and ingests it as the object-created notification would.
func (h *handler) upload(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if !uploads.ValidUploadKey(key) {
		httputil.WriteError(w, r, errors.BadRequest("Invalid upload key"))
		return
	}
	verifier, ok := h.app.Objects.(uploadVerifier)
	if !ok {
		httputil.WriteError(w, r, errors.Forbidden("Invalid upload signature"))
		return
	}
	if err := verifier.VerifyPut(key, r.URL.Query(), time.Now()); err != nil {
		msg := "Invalid upload signature"
		if stderrors.Is(err, objectstore.ErrExpired) {
			msg = "Upload URL expired"
		}
		h.log.WithContext(r.Context()).WithError(err).WithField("key", key).Warn("rejected upload")
		httputil.WriteError(w, r, errors.Forbidden(msg))
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, uploads.ContentType) {
		httputil.WriteError(w, r, errors.BadRequest("Uploads must be text/csv"))
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
	if err != nil {
		httputil.WriteError(w, r, errors.BadRequest("Invalid request body"))
		return
	}
	if err := h.app.Objects.Put(r.Context(), key, body, uploads.ContentType); err != nil {
		httputil.WriteError(w, r, errors.Internal("Failed to store upload", err))
		return
	}
	res, err := h.app.Uploads.Ingest(r.Context(), key)
	if err != nil {
		h.log.WithContext(r.Context()).WithError(err).WithField("key", key).Error("ingest upload failed")
		httputil.WriteError(w, r, errors.Internal("Failed to process upload", err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"fileKey": key,
		"stored":  res.Stored,
		"skipped": res.Skipped,
	})
}

const maxUploadBytes = 10 << 20
