// Package thingsboard exposes the ingest endpoints the platform rule
// chain posts raw device packs to.
package thingsboard

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"liftcloud/internal/accounts"
	"liftcloud/internal/engine"
	"liftcloud/internal/observability/metrics"
)

// IngestHandler handles the calculated-telemetry and alarm-check posts.
type IngestHandler struct {
	engine   *engine.Engine
	registry *accounts.Registry
	logger   *zap.Logger
}

// NewIngestHandler constructs an ingest handler.
func NewIngestHandler(eng *engine.Engine, registry *accounts.Registry, logger *zap.Logger) (*IngestHandler, error) {
	if eng == nil {
		return nil, errors.New("thingsboard ingest: nil engine")
	}
	if registry == nil {
		return nil, errors.New("thingsboard ingest: nil account registry")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IngestHandler{engine: eng, registry: registry, logger: logger}, nil
}

// ingestRequest is the tolerant rule-chain payload. The pack may arrive
// under several keys; unifyPack normalizes them.
type ingestRequest struct {
	DeviceName  string         `json:"deviceName"`
	DeviceToken string         `json:"device_token"`
	PackRaw     string         `json:"pack_raw"`
	PackOut     string         `json:"pack_out"`
	Raw         string         `json:"raw"`
	Pack        string         `json:"pack"`
	Payload     map[string]any `json:"payload"`
	TS          *int64         `json:"ts"`
}

// unifyPack picks the pack string, trying the given aliases in order and
// then the same keys nested under payload.
func (r ingestRequest) unifyPack(aliases ...string) string {
	pick := func(key string) string {
		switch key {
		case "pack_raw":
			return r.PackRaw
		case "pack_out":
			return r.PackOut
		case "raw":
			return r.Raw
		case "pack":
			return r.Pack
		}
		return ""
	}
	for _, alias := range aliases {
		if v := pick(alias); v != "" {
			return v
		}
	}
	for _, alias := range aliases {
		if v, ok := r.Payload[alias].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func (h *IngestHandler) account(r *http.Request) string {
	return h.registry.Resolve(r.Header.Get("X-Account-Id"), r.Header.Get("X-Account-ID")).ID
}

func (h *IngestHandler) decode(w http.ResponseWriter, r *http.Request) (ingestRequest, bool) {
	var req ingestRequest
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return req, false
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("ingest: decode failed", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return req, false
	}
	if req.DeviceName == "" {
		writeError(w, http.StatusBadRequest, "Missing 'deviceName'")
		return req, false
	}
	return req, true
}

// HandleCalculatedTelemetry serves POST /calculated-telemetry/. The calc
// path accepts pack_raw/raw/pack; pack_out is not an accepted alias here.
func (h *IngestHandler) HandleCalculatedTelemetry(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req, ok := h.decode(w, r)
	if !ok {
		metrics.ObserveIngest("calculated_telemetry", metrics.ResultError, time.Since(start))
		return
	}

	packRaw := req.unifyPack("pack_raw", "raw", "pack")
	if packRaw == "" {
		h.logger.Warn("calc ingest: missing pack", zap.String("device", req.DeviceName))
		writeError(w, http.StatusBadRequest, "Missing 'pack_raw'")
		metrics.ObserveIngest("calculated_telemetry", metrics.ResultError, time.Since(start))
		return
	}

	result := h.engine.Calculate(r.Context(), h.account(r), req.DeviceName, packRaw, req.TS)
	writeJSON(w, http.StatusOK, result)
	metrics.ObserveIngest("calculated_telemetry", metrics.ResultSuccess, time.Since(start))
}

// HandleCheckAlarm serves POST /check_alarm/. The alarm path also
// accepts pack_out as an alias.
func (h *IngestHandler) HandleCheckAlarm(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req, ok := h.decode(w, r)
	if !ok {
		metrics.ObserveIngest("check_alarm", metrics.ResultError, time.Since(start))
		return
	}

	packRaw := req.unifyPack("pack_raw", "pack_out", "raw", "pack")
	if packRaw == "" {
		h.logger.Warn("alarm ingest: missing pack", zap.String("device", req.DeviceName))
		writeError(w, http.StatusBadRequest, "Missing 'pack_raw'")
		metrics.ObserveIngest("check_alarm", metrics.ResultError, time.Since(start))
		return
	}

	result := h.engine.CheckAlarms(r.Context(), h.account(r), req.DeviceName, packRaw, req.TS)
	writeJSON(w, http.StatusOK, result)
	metrics.ObserveIngest("check_alarm", metrics.ResultSuccess, time.Since(start))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
