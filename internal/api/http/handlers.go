// Package apihttp holds the operator-facing HTTP handlers: the
// device-listing proxy, the live-counter queries and the manual flush.
package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"liftcloud/internal/accounts"
	"liftcloud/internal/counters"
	"liftcloud/internal/tbadapter"
)

const dateLayout = "2006-01-02"

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// DeviceLister lists the devices visible to a platform user JWT.
type DeviceLister interface {
	UserDevices(ctx context.Context, account, userJWT string) ([]tbadapter.Device, error)
}

// MyDevicesHandler proxies device listing to the device platform using
// the caller's own platform JWT.
type MyDevicesHandler struct {
	devices  DeviceLister
	registry *accounts.Registry
	logger   *zap.Logger
}

// NewMyDevicesHandler constructs a MyDevicesHandler.
func NewMyDevicesHandler(devices DeviceLister, registry *accounts.Registry, logger *zap.Logger) *MyDevicesHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MyDevicesHandler{devices: devices, registry: registry, logger: logger}
}

// ServeHTTP handles GET /my_devices/.
func (h *MyDevicesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.devices == nil || h.registry == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	userJWT := bearerToken(r)
	if userJWT == "" {
		writeDetail(w, http.StatusUnauthorized, "Missing user token")
		return
	}
	account := h.registry.Resolve(r.Header.Get("X-TB-Account"), r.Header.Get("X-Account-Id")).ID

	devices, err := h.devices.UserDevices(r.Context(), account, userJWT)
	if err != nil {
		var statusErr *tbadapter.StatusError
		if errors.As(err, &statusErr) {
			writeDetail(w, statusErr.Code, "platform rejected the request")
			return
		}
		h.logger.Error("device listing failed", zap.String("account", account), zap.Error(err))
		writeDetail(w, http.StatusBadGateway, "platform unreachable")
		return
	}
	if devices == nil {
		devices = []tbadapter.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

// CountersHandler serves the in-memory daily counter snapshots.
type CountersHandler struct {
	agg   *counters.Aggregator
	tz    string
	clock Clock
}

// NewCountersHandler constructs a CountersHandler. tz is the fixed
// offset used to resolve "today", e.g. "+05:30".
func NewCountersHandler(agg *counters.Aggregator, tz string) *CountersHandler {
	return &CountersHandler{agg: agg, tz: tz, clock: systemClock{}}
}

type deviceCounters struct {
	Name      string           `json:"name,omitempty"`
	DoorOpens map[string]int   `json:"door_opens"`
	IdleSec   map[string]int64 `json:"idle_sec"`
}

type countersResponse struct {
	Date    string                    `json:"date"`
	Devices map[string]deviceCounters `json:"devices"`
}

// ServeHTTP handles GET /api/v1/counters. An absent date query means
// the current local day.
func (h *CountersHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.agg == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	date, err := h.resolveDate(r)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := countersResponse{Date: date, Devices: make(map[string]deviceCounters)}
	for deviceID, snap := range h.agg.Snapshot(date) {
		resp.Devices[deviceID] = deviceCounters{
			Name:      snap.Device,
			DoorOpens: snap.DoorOpens,
			IdleSec:   snap.IdleSec,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *CountersHandler) resolveDate(r *http.Request) (string, error) {
	return resolveDateQuery(r, h.clock, h.tz)
}

// FlushHandler triggers a manual counter flush for one day.
type FlushHandler struct {
	flusher *counters.Flusher
	tz      string
	clock   Clock
	logger  *zap.Logger
}

// NewFlushHandler constructs a FlushHandler.
func NewFlushHandler(flusher *counters.Flusher, tz string, logger *zap.Logger) *FlushHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FlushHandler{flusher: flusher, tz: tz, clock: systemClock{}, logger: logger}
}

// ServeHTTP handles POST /api/v1/flush. An absent date query means the
// current local day.
func (h *FlushHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.flusher == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	date, err := resolveDateQuery(r, h.clock, h.tz)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	flushed := h.flusher.FlushDay(r.Context(), date)
	h.logger.Info("manual flush", zap.String("date", date), zap.Int("devices", flushed))
	writeJSON(w, http.StatusOK, map[string]any{"date": date, "flushed": flushed})
}

// HealthHandler reports liveness.
type HealthHandler struct{}

// ServeHTTP handles GET /healthz.
func (HealthHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func resolveDateQuery(r *http.Request, clock Clock, tz string) (string, error) {
	date := r.URL.Query().Get("date")
	if date == "" {
		return counters.LocalDate(clock.Now().UnixMilli(), tz), nil
	}
	if _, err := time.Parse(dateLayout, date); err != nil {
		return "", errors.New("date must be YYYY-MM-DD")
	}
	return date, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
