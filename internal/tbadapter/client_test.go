package tbadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"liftcloud/internal/accounts"
)

func testRegistry(t *testing.T, baseURL string) *accounts.Registry {
	t.Helper()
	env := map[string]string{
		"TB_ACCOUNTS":     fmt.Sprintf(`{"test":%q}`, baseURL),
		"TEST_ADMIN_USER": "admin@example.com",
		"TEST_ADMIN_PASS": "secret",
	}
	reg, err := accounts.Load(func(key string) string { return env[key] })
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return reg
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(testRegistry(t, server.URL), zap.NewNop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client, server
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestDeviceIDByNameCachesAdminToken(t *testing.T) {
	var logins atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		logins.Add(1)
		var creds map[string]string
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if creds["username"] != "admin@example.com" || creds["password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]string{"token": "tok-1"})
	})
	mux.HandleFunc("/api/tenant/devices", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("deviceName") != "lift-1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{"id": map[string]string{"entityType": "DEVICE", "id": "dev-1"}, "name": "lift-1"})
	})

	client, _ := newTestClient(t, mux)

	for i := 0; i < 3; i++ {
		id, err := client.DeviceIDByName(context.Background(), "test", "lift-1")
		if err != nil {
			t.Fatalf("DeviceIDByName: %v", err)
		}
		if id != "dev-1" {
			t.Fatalf("unexpected id %q", id)
		}
	}
	if n := logins.Load(); n != 1 {
		t.Fatalf("expected one login, got %d", n)
	}
}

func TestStaleTokenRetriesOnce(t *testing.T) {
	var logins atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"token": fmt.Sprintf("tok-%d", logins.Add(1))})
	})
	mux.HandleFunc("/api/plugins/telemetry/DEVICE/dev-1/values/attributes/SERVER_SCOPE", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Authorization") != "Bearer tok-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, []map[string]any{
			{"key": "floor_boundaries", "value": "0,3000,6000"},
			{"key": "home_floor", "value": 1},
		})
	})

	client, _ := newTestClient(t, mux)

	attrs, err := client.ServerScopeAttributes(context.Background(), "test", "dev-1")
	if err != nil {
		t.Fatalf("ServerScopeAttributes: %v", err)
	}
	if attrs["floor_boundaries"] != "0,3000,6000" {
		t.Fatalf("unexpected attrs %+v", attrs)
	}
	if n := logins.Load(); n != 2 {
		t.Fatalf("expected a re-login after 401, got %d", n)
	}
}

func TestCreateAlarmPayload(t *testing.T) {
	var body map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"token": "tok"})
	})
	mux.HandleFunc("/api/alarm", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, map[string]string{"id": "alarm-1"})
	})

	client, _ := newTestClient(t, mux)

	err := client.CreateAlarm(context.Background(), "test", "dev-1",
		"Floor Mismatch Alarm", "CRITICAL", map[string]any{"position": "above"})
	if err != nil {
		t.Fatalf("CreateAlarm: %v", err)
	}

	originator := body["originator"].(map[string]any)
	if originator["entityType"] != "DEVICE" || originator["id"] != "dev-1" {
		t.Fatalf("unexpected originator %+v", originator)
	}
	if body["type"] != "Floor Mismatch Alarm" || body["severity"] != "CRITICAL" || body["status"] != "ACTIVE_UNACK" {
		t.Fatalf("unexpected alarm body %+v", body)
	}
	if details := body["details"].(map[string]any); details["position"] != "above" {
		t.Fatalf("unexpected details %+v", details)
	}
}

func TestWriteTimeseries(t *testing.T) {
	var body map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"token": "tok"})
	})
	mux.HandleFunc("/api/plugins/telemetry/DEVICE/dev-1/timeseries/ANY", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	})

	client, _ := newTestClient(t, mux)

	err := client.WriteTimeseries(context.Background(), "test", "dev-1", 1700000000000,
		map[string]any{"daily_floor_door_opens": `{"G":2}`})
	if err != nil {
		t.Fatalf("WriteTimeseries: %v", err)
	}
	if body["ts"] != float64(1700000000000) {
		t.Fatalf("unexpected ts %v", body["ts"])
	}
	if values := body["values"].(map[string]any); values["daily_floor_door_opens"] != `{"G":2}` {
		t.Fatalf("unexpected values %+v", values)
	}
}

func TestUserDevicesTenantAdminPaging(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Authorization") != "Bearer user-jwt" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]any{"authority": "TENANT_ADMIN"})
	})
	mux.HandleFunc("/api/tenant/devices", func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		if r.URL.Query().Get("pageSize") != "100" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if page == "0" {
			writeJSON(w, map[string]any{
				"data": []map[string]any{
					{"id": map[string]string{"id": "dev-1"}, "name": "lift-1"},
					{"id": map[string]string{"id": "dev-2"}, "name": "lift-2"},
				},
				"hasNext": true,
			})
			return
		}
		writeJSON(w, map[string]any{
			"data":    []map[string]any{{"id": map[string]string{"id": "dev-3"}, "name": "lift-3"}},
			"hasNext": false,
		})
	})

	client, _ := newTestClient(t, mux)

	devices, err := client.UserDevices(context.Background(), "test", "user-jwt")
	if err != nil {
		t.Fatalf("UserDevices: %v", err)
	}
	if len(devices) != 3 || devices[2].Name != "lift-3" {
		t.Fatalf("unexpected devices %+v", devices)
	}
}

func TestUserDevicesCustomerPath(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/user", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"authority":  "CUSTOMER_USER",
			"customerId": map[string]string{"id": "cust-1"},
		})
	})
	mux.HandleFunc("/api/customer/cust-1/devices", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"data":    []map[string]any{{"id": map[string]string{"id": "dev-9"}, "name": "lift-9"}},
			"hasNext": false,
		})
	})

	client, _ := newTestClient(t, mux)

	devices, err := client.UserDevices(context.Background(), "test", "user-jwt")
	if err != nil {
		t.Fatalf("UserDevices: %v", err)
	}
	if len(devices) != 1 || devices[0].ID != "dev-9" {
		t.Fatalf("unexpected devices %+v", devices)
	}
}

func TestUserDevicesPropagatesStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/user", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	client, _ := newTestClient(t, mux)

	_, err := client.UserDevices(context.Background(), "test", "bad-jwt")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 StatusError, got %v", err)
	}
}

func TestMissingCredentials(t *testing.T) {
	reg, err := accounts.Load(func(key string) string {
		if key == "TB_ACCOUNTS" {
			return `{"bare":"https://tb.example.com"}`
		}
		return ""
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	client, err := NewClient(reg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := client.DeviceIDByName(context.Background(), "bare", "lift-1"); err == nil {
		t.Fatal("expected missing-credentials error")
	}
}
