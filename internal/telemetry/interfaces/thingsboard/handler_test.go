package thingsboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"liftcloud/internal/accounts"
	"liftcloud/internal/alarms"
	"liftcloud/internal/engine"
	"liftcloud/internal/floors"
	"liftcloud/internal/motion"
)

type stubSource struct{}

func (stubSource) DeviceIDByName(_ context.Context, account, deviceName string) (string, error) {
	return "id-" + account + "-" + deviceName, nil
}

func (stubSource) ServerScopeAttributes(context.Context, string, string) (map[string]any, error) {
	return map[string]any{
		"floor_boundaries": "0,3000,6000,9000",
		"floor_labels":     "G,1,2",
	}, nil
}

type nopSink struct{}

func (nopSink) Create(context.Context, string, string, alarms.Request) error { return nil }

func newHandler(t *testing.T) *IngestHandler {
	t.Helper()
	resolver, err := floors.NewResolver(stubSource{}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	alarmTracker := motion.NewTracker()
	alarmEngine := alarms.NewEngine(alarms.NewBucketStore(), alarmTracker, nopSink{}, zap.NewNop())
	eng, err := engine.New(resolver, alarmEngine, motion.NewTracker(), alarmTracker, zap.NewNop())
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	registry, err := accounts.Load(func(key string) string {
		if key == "TB_ACCOUNTS" {
			return `{"site-a":"https://a.example.com","site-b":"https://b.example.com"}`
		}
		return ""
	})
	if err != nil {
		t.Fatalf("accounts.Load: %v", err)
	}
	handler, err := NewIngestHandler(eng, registry, zap.NewNop())
	if err != nil {
		t.Fatalf("NewIngestHandler: %v", err)
	}
	return handler
}

func post(t *testing.T, handler http.HandlerFunc, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	handler(resp, req)
	return resp
}

func TestCalculatedTelemetryResponse(t *testing.T) {
	handler := newHandler(t)

	resp := post(t, handler.HandleCalculatedTelemetry,
		`{"deviceName":"lift-1","pack_raw":"ts=1700000000|h=4000|door_val=OPEN"}`, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("status %d: %s", resp.Code, resp.Body.String())
	}

	var body struct {
		PackCalc string `json:"pack_calc"`
		PackOut  string `json:"pack_out"`
		PackRaw  string `json:"pack_raw"`
		TS       int64  `json:"ts"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.PackCalc != "v=1|ts=1700000000|h=4000|fi=1|fl=1|dir=S|st=I|door=1" {
		t.Fatalf("pack_calc: %s", body.PackCalc)
	}
	if body.PackRaw != "ts=1700000000|h=4000|door_val=OPEN" || body.TS != 1700000000000 {
		t.Fatalf("echo fields wrong: %+v", body)
	}
}

func TestCalculatedTelemetryAliases(t *testing.T) {
	handler := newHandler(t)

	for _, body := range []string{
		`{"deviceName":"lift-1","raw":"ts=1|h=100"}`,
		`{"deviceName":"lift-1","pack":"ts=1|h=100"}`,
		`{"deviceName":"lift-1","payload":{"pack_raw":"ts=1|h=100"}}`,
	} {
		if resp := post(t, handler.HandleCalculatedTelemetry, body, nil); resp.Code != http.StatusOK {
			t.Fatalf("alias body %s: status %d", body, resp.Code)
		}
	}

	// pack_out is not an accepted alias on the calc path.
	resp := post(t, handler.HandleCalculatedTelemetry,
		`{"deviceName":"lift-1","pack_out":"ts=1|h=100"}`, nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("pack_out must be rejected on calc path, got %d", resp.Code)
	}
}

func TestCalculatedTelemetryMissingPack(t *testing.T) {
	handler := newHandler(t)

	resp := post(t, handler.HandleCalculatedTelemetry, `{"deviceName":"lift-1"}`, nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("status %d", resp.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["detail"] != "Missing 'pack_raw'" {
		t.Fatalf("unexpected detail %q", body["detail"])
	}
}

func TestCheckAlarmAcceptsPackOut(t *testing.T) {
	handler := newHandler(t)

	resp := post(t, handler.HandleCheckAlarm,
		`{"deviceName":"lift-1","pack_out":"ts=1700000000|h=4000"}`, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("status %d: %s", resp.Code, resp.Body.String())
	}

	var body struct {
		Status      string           `json:"status"`
		AlarmEvents []map[string]any `json:"alarm_events"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "processed" {
		t.Fatalf("status field: %q", body.Status)
	}
	if body.AlarmEvents == nil {
		t.Fatal("alarm_events must be a list, not null")
	}
}

func TestCheckAlarmReportsEvents(t *testing.T) {
	handler := newHandler(t)

	resp := post(t, handler.HandleCheckAlarm,
		`{"deviceName":"lift-1","pack_raw":"ts=1700000000|h=4025|door_val=OPEN"}`,
		map[string]string{"X-Account-Id": "site-b"})
	if resp.Code != http.StatusOK {
		t.Fatalf("status %d", resp.Code)
	}

	var body struct {
		AlarmEvents []struct {
			Code string `json:"code"`
		} `json:"alarm_events"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.AlarmEvents) != 1 || body.AlarmEvents[0].Code != "FLOOR_MISMATCH" {
		t.Fatalf("unexpected events %+v", body.AlarmEvents)
	}
}

func TestIngestRejectsGET(t *testing.T) {
	handler := newHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	resp := httptest.NewRecorder()
	handler.HandleCheckAlarm(resp, req)
	if resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status %d", resp.Code)
	}
}

func TestIngestRejectsMissingDeviceName(t *testing.T) {
	handler := newHandler(t)

	resp := post(t, handler.HandleCalculatedTelemetry, `{"pack_raw":"ts=1|h=0"}`, nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("status %d", resp.Code)
	}
}
