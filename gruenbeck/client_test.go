package gruenbeck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/p0l0/gruenbeck-cloud/gruenbeck/models"
)

const testTenant = "/t1/b2c_1a_signinup"

// fakeCloud serves both the B2C login dance and the device API from
// one test server.
type fakeCloud struct {
	t   *testing.T
	mux *http.ServeMux

	mu         sync.Mutex
	tokenCalls int
	apiCalls   map[string]int
}

func newFakeCloud(t *testing.T) *fakeCloud {
	f := &fakeCloud{t: t, mux: http.NewServeMux(), apiCalls: make(map[string]int)}

	f.mux.HandleFunc("/a50d35c1-202f-4da7-aa87-76e51a3098c6/b2c_1a_signinup/oauth2/v2.0/authorize", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"csrf": "csrf-1", "transId": "tx-1", "policy": "b2c_1a_signinup", "tenant": "%s"}`, testTenant)
	})
	f.mux.HandleFunc("POST "+testTenant+"/SelfAsserted", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"200"}`)
	})
	f.mux.HandleFunc("GET "+testTenant+"/api/CombinedSigninAndSignup/confirmed", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "msal5a83cc16-ffb1-42e9-9859-9fbf07f36df8://auth?code=code-1")
		w.WriteHeader(http.StatusFound)
	})
	f.mux.HandleFunc("POST "+testTenant+"/oauth2/v2.0/token", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.tokenCalls++
		n := f.tokenCalls
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  fmt.Sprintf("token-%d", n),
			"refresh_token": "refresh-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})

	return f
}

// api registers an API handler and counts its hits.
func (f *fakeCloud) api(pattern string, handler http.HandlerFunc) {
	f.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.apiCalls[r.URL.Path]++
		f.mu.Unlock()
		handler(w, r)
	})
}

func (f *fakeCloud) calls(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.apiCalls[path]
}

func (f *fakeCloud) tokens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenCalls
}

// newTestClient builds a client against the fake with an instant,
// recording sleep.
func newTestClient(t *testing.T, f *fakeCloud) (*Client, *[]time.Duration) {
	t.Helper()
	server := httptest.NewServer(f.mux)
	t.Cleanup(server.Close)

	c, err := New(Config{
		Username:     "user@example.com",
		Password:     "secret",
		APIBaseURL:   server.URL,
		LoginBaseURL: server.URL,
		BackoffBase:  10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return c, &slept
}

func deviceList() string {
	return `[
		{"type": 18, "id": "softliQ.D/BS10001", "series": "softliQ.D", "serialNumber": "BS10001", "name": "cellar", "register": true},
		{"type": 118, "id": "softliQ.SE/BS20002", "series": "softliQ.SE", "serialNumber": "BS20002", "name": "garage", "register": true},
		{"type": 1, "id": "exchanger/EX1", "series": "exchanger", "serialNumber": "EX1", "name": "not-a-softener", "register": true}
	]`
}

func TestGetDevicesFiltersSofteners(t *testing.T) {
	f := newFakeCloud(t)
	f.api("GET /api/devices", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api-version") != APIVersion {
			t.Errorf("api-version = %q", r.URL.Query().Get("api-version"))
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			t.Error("missing bearer token")
		}
		fmt.Fprint(w, deviceList())
	})

	c, _ := newTestClient(t, f)
	devices, err := c.GetDevices(context.Background())
	if err != nil {
		t.Fatalf("GetDevices: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("devices = %d, want 2", len(devices))
	}
	for _, d := range devices {
		if !strings.Contains(d.ID, "soft") {
			t.Errorf("non-softener survived the filter: %s", d.ID)
		}
	}
	if devices[1].ModelSeries() != models.SeriesSE {
		t.Errorf("series = %v, want se", devices[1].ModelSeries())
	}
}

func TestDoRetriesRateLimitWithRetryAfter(t *testing.T) {
	f := newFakeCloud(t)
	attempts := 0
	f.api("GET /api/devices", func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts <= 3 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `[]`)
	})

	c, slept := newTestClient(t, f)
	if _, err := c.GetDevices(context.Background()); err != nil {
		t.Fatalf("GetDevices: %v", err)
	}
	if attempts != 4 {
		t.Fatalf("attempts = %d, want 4", attempts)
	}
	if len(*slept) != 3 {
		t.Fatalf("sleeps = %d, want 3", len(*slept))
	}
	for i, d := range *slept {
		if d != 7*time.Second {
			t.Errorf("sleep %d = %v, want Retry-After value 7s", i, d)
		}
	}
}

func TestDoGivesUpAsRateLimitError(t *testing.T) {
	f := newFakeCloud(t)
	f.api("GET /api/devices", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	c, _ := newTestClient(t, f)
	before := time.Now()
	_, err := c.GetDevices(context.Background())
	var rateErr *RateLimitError
	if !errors.As(err, &rateErr) {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
	if rateErr.Attempts != 4 {
		t.Fatalf("attempts = %d, want full budget of 4", rateErr.Attempts)
	}
	if f.calls("/api/devices") != 4 {
		t.Fatalf("api calls = %d", f.calls("/api/devices"))
	}
	if rateErr.RetryAt.Before(before.Add(29*time.Second)) || rateErr.RetryAt.After(time.Now().Add(31*time.Second)) {
		t.Fatalf("RetryAt = %v, want Retry-After value ~30s from now", rateErr.RetryAt)
	}
}

func TestDoNetworkFailureIsTransportError(t *testing.T) {
	f := newFakeCloud(t)
	login := httptest.NewServer(f.mux)
	t.Cleanup(login.Close)

	// An address that refuses connections: the API host is gone, the
	// login host is fine.
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	c, err := New(Config{
		Username:     "user@example.com",
		Password:     "secret",
		APIBaseURL:   deadURL,
		LoginBaseURL: login.URL,
		BackoffBase:  time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	_, err = c.GetDevices(context.Background())
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	if transportErr.Endpoint != "/api/devices" || transportErr.Attempts != 4 {
		t.Fatalf("endpoint=%q attempts=%d, want /api/devices after full budget", transportErr.Endpoint, transportErr.Attempts)
	}
}

func TestDoServerErrorAfterBudget(t *testing.T) {
	f := newFakeCloud(t)
	f.api("GET /api/devices", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})

	c, _ := newTestClient(t, f)
	_, err := c.GetDevices(context.Background())
	var srvErr *ServerError
	if !errors.As(err, &srvErr) {
		t.Fatalf("err = %v, want ServerError", err)
	}
	if srvErr.Status != http.StatusBadGateway || srvErr.Attempts != 4 {
		t.Fatalf("status=%d attempts=%d", srvErr.Status, srvErr.Attempts)
	}
}

func TestDoReloginsOnceOn401(t *testing.T) {
	f := newFakeCloud(t)
	f.api("GET /api/devices", func(w http.ResponseWriter, r *http.Request) {
		// The first token is rejected, the re-login token works.
		if r.Header.Get("Authorization") == "Bearer token-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `[]`)
	})

	c, _ := newTestClient(t, f)
	if _, err := c.GetDevices(context.Background()); err != nil {
		t.Fatalf("GetDevices: %v", err)
	}
	if f.calls("/api/devices") != 2 {
		t.Fatalf("api calls = %d, want 2", f.calls("/api/devices"))
	}
	if f.tokens() != 2 {
		t.Fatalf("token calls = %d, want 2", f.tokens())
	}
}

func TestDoPersistentAuthFailureStopsAfterOneRelogin(t *testing.T) {
	f := newFakeCloud(t)
	f.api("GET /api/devices", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	c, _ := newTestClient(t, f)
	_, err := c.GetDevices(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want AuthError", err)
	}
	if authErr.Status != http.StatusUnauthorized {
		t.Fatalf("status = %d", authErr.Status)
	}
	if f.calls("/api/devices") != 2 {
		t.Fatalf("api calls = %d, want exactly 2 (no third attempt)", f.calls("/api/devices"))
	}
}

func TestGetParametersMalformedLeavesDeviceUntouched(t *testing.T) {
	f := newFakeCloud(t)
	f.api("GET /api/devices/softliQ.D/BS10001/parameters", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `"not an object"`)
	})

	c, _ := newTestClient(t, f)
	device := &models.Device{ID: "softliQ.D/BS10001", Series: "softliQ.D", SerialNumber: "BS10001"}
	seed, _ := models.Normalize(models.SeriesStandard, []byte(`{"pmode": 2}`))
	device.ApplyParameters(seed)

	err := c.GetParameters(context.Background(), device)
	var formatErr *ResponseFormatError
	if !errors.As(err, &formatErr) {
		t.Fatalf("err = %v, want ResponseFormatError", err)
	}
	if p, ok := device.Parameter("mode"); !ok || p.Value != 2 {
		t.Fatal("device state mutated by malformed response")
	}
}

func TestSetParameterValidatesWithoutNetwork(t *testing.T) {
	f := newFakeCloud(t)
	patched := 0
	f.api("PATCH /api/devices/softliQ.D/BS10001/parameters", func(w http.ResponseWriter, r *http.Request) {
		patched++
		fmt.Fprint(w, `{}`)
	})

	c, _ := newTestClient(t, f)
	device := &models.Device{ID: "softliQ.D/BS10001", Series: "softliQ.D", SerialNumber: "BS10001"}
	seed, _ := models.Normalize(models.SeriesStandard, []byte(`{
		"pmode": {"value": 1, "selectable": true},
		"prawhard": 20
	}`))
	device.ApplyParameters(seed)

	var valErr *ValidationError
	if err := c.SetParameter(context.Background(), device, "no_such", 1); !errors.As(err, &valErr) {
		t.Fatalf("unknown key: err = %v", err)
	}
	if err := c.SetParameter(context.Background(), device, "raw_water_hardness", 12); !errors.As(err, &valErr) {
		t.Fatalf("non selectable: err = %v", err)
	}
	if err := c.SetParameter(context.Background(), device, "mode", 9); !errors.As(err, &valErr) {
		t.Fatalf("out of domain: err = %v", err)
	}
	if patched != 0 {
		t.Fatalf("network calls for invalid writes: %d", patched)
	}
}

func TestSetParameterConfirmThenUpdate(t *testing.T) {
	f := newFakeCloud(t)
	var gotBody string
	f.api("PATCH /api/devices/softliQ.D/BS10001/parameters", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		fmt.Fprint(w, `{}`)
	})

	c, _ := newTestClient(t, f)
	device := &models.Device{ID: "softliQ.D/BS10001", Series: "softliQ.D", SerialNumber: "BS10001"}
	seed, _ := models.Normalize(models.SeriesStandard, []byte(`{"pmode": {"value": 1, "selectable": true}}`))
	device.ApplyParameters(seed)

	if err := c.SetParameter(context.Background(), device, "mode", 3); err != nil {
		t.Fatalf("SetParameter: %v", err)
	}
	if gotBody != `{"pmode":3}` {
		t.Fatalf("patch body = %s", gotBody)
	}
	if p, _ := device.Parameter("mode"); p.Value != 3 || p.Label != "Power" {
		t.Fatalf("mode = %v (%q)", p.Value, p.Label)
	}
}

func TestSetParameterFailedWriteKeepsOldValue(t *testing.T) {
	f := newFakeCloud(t)
	f.api("PATCH /api/devices/softliQ.D/BS10001/parameters", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	})

	c, _ := newTestClient(t, f)
	device := &models.Device{ID: "softliQ.D/BS10001", Series: "softliQ.D", SerialNumber: "BS10001"}
	seed, _ := models.Normalize(models.SeriesStandard, []byte(`{"pmode": {"value": 1, "selectable": true}}`))
	device.ApplyParameters(seed)

	if err := c.SetParameter(context.Background(), device, "mode", 3); err == nil {
		t.Fatal("rejected write must fail")
	}
	if p, _ := device.Parameter("mode"); p.Value != 1 {
		t.Fatalf("mode = %v, want old value 1", p.Value)
	}
}

func TestRegenerateAndRealtimeWindow(t *testing.T) {
	f := newFakeCloud(t)
	for _, route := range []string{
		"POST /api/devices/softliQ.D/BS10001/regenerate",
		"POST /api/devices/softliQ.D/BS10001/realtime/enter",
		"POST /api/devices/softliQ.D/BS10001/realtime/refresh",
		"POST /api/devices/softliQ.D/BS10001/realtime/leave",
	} {
		f.api(route, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		})
	}

	c, _ := newTestClient(t, f)
	device := &models.Device{ID: "softliQ.D/BS10001", SerialNumber: "BS10001"}
	ctx := context.Background()

	if err := c.Regenerate(ctx, device); err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	if err := c.EnterSD(ctx, device); err != nil {
		t.Fatalf("EnterSD: %v", err)
	}
	if err := c.RefreshSD(ctx, device); err != nil {
		t.Fatalf("RefreshSD: %v", err)
	}
	if err := c.LeaveSD(ctx, device); err != nil {
		t.Fatalf("LeaveSD: %v", err)
	}
}

func TestRefreshDevice(t *testing.T) {
	f := newFakeCloud(t)
	f.api("GET /api/devices/softliQ.D/BS10001/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"type":18,"id":"softliQ.D/BS10001","serialNumber":"BS10001","hasError":false,"register":true,"softwareVersion":"2.15"}`)
	})
	f.api("GET /api/devices/softliQ.D/BS10001/parameters", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"pmode": 2, "prawhard": 19}`)
	})
	f.api("GET /api/devices/softliQ.D/BS10001/measurements/salt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"value": 120, "date": "2024-05-01"}]`)
	})
	f.api("GET /api/devices/softliQ.D/BS10001/measurements/water", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"value": 480, "date": "2024-05-01"}]`)
	})

	c, _ := newTestClient(t, f)
	device := &models.Device{ID: "softliQ.D/BS10001", Series: "softliQ.D", SerialNumber: "BS10001"}
	if err := c.RefreshDevice(context.Background(), device); err != nil {
		t.Fatalf("RefreshDevice: %v", err)
	}

	if device.SoftwareVersion != "2.15" {
		t.Errorf("softwareVersion = %q", device.SoftwareVersion)
	}
	if p, ok := device.Parameter("mode"); !ok || p.Value != 2 {
		t.Errorf("mode = %v, %v", p.Value, ok)
	}
	if len(device.Salt) != 1 || device.Salt[0].Value != 120 {
		t.Errorf("salt = %v", device.Salt)
	}
	if len(device.Water) != 1 || device.Water[0].Value != 480 {
		t.Errorf("water = %v", device.Water)
	}
}

func TestDiagnosticsAreRedacted(t *testing.T) {
	f := newFakeCloud(t)
	f.api("GET /api/devices", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id": "softliQ.D/BS10001", "serialNumber": "BS10001", "register": true}]`)
	})

	c, _ := newTestClient(t, f)
	if _, err := c.GetDevices(context.Background()); err != nil {
		t.Fatalf("GetDevices: %v", err)
	}

	dump := strings.Join(c.Diagnostics(), "\n")
	if dump == "" {
		t.Fatal("empty diagnostics")
	}
	for _, secret := range []string{"token-1", "BS10001"} {
		if strings.Contains(dump, secret) {
			t.Errorf("diagnostics leak %q", secret)
		}
	}
	if !strings.Contains(dump, "/api/devices") {
		t.Error("diagnostics should keep endpoint paths")
	}
}

func TestDiagnosticsIncludeWriteBody(t *testing.T) {
	f := newFakeCloud(t)
	f.api("PATCH /api/devices/softliQ.D/BS10001/parameters", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	})

	c, _ := newTestClient(t, f)
	device := &models.Device{ID: "softliQ.D/BS10001", Series: "softliQ.D", SerialNumber: "BS10001"}
	seed, _ := models.Normalize(models.SeriesStandard, []byte(`{
		"pmode": {"value": 1, "selectable": true},
		"pname": {"value": "old", "selectable": true}
	}`))
	device.ApplyParameters(seed)

	if err := c.SetParameter(context.Background(), device, "mode", 3); err != nil {
		t.Fatalf("SetParameter mode: %v", err)
	}
	if err := c.SetParameter(context.Background(), device, "installer_name", "plumber BS10001"); err != nil {
		t.Fatalf("SetParameter installer_name: %v", err)
	}

	dump := strings.Join(c.Diagnostics(), "\n")
	if !strings.Contains(dump, `{"pmode":3}`) {
		t.Error("diagnostics should carry the request body of a write")
	}
	if strings.Contains(dump, "plumber BS10001") {
		t.Error("diagnostics leak the installer name from a write body")
	}
	if !strings.Contains(dump, redactedPlaceholder) {
		t.Error("redaction placeholder missing from dump")
	}
}

func TestLoginVerifiesCredentialsEagerly(t *testing.T) {
	f := newFakeCloud(t)
	f.api("GET /api/devices", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	})

	c, _ := newTestClient(t, f)
	if err := c.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if f.tokens() != 1 {
		t.Fatalf("token calls = %d, want 1", f.tokens())
	}
	// The eager login's token is reused, no second exchange.
	if _, err := c.GetDevices(context.Background()); err != nil {
		t.Fatalf("GetDevices: %v", err)
	}
	if f.tokens() != 1 {
		t.Fatalf("token calls after API use = %d, want still 1", f.tokens())
	}
}

func TestRedact(t *testing.T) {
	cases := []struct{ in, wantGone string }{
		{`"access_token": "abc.def-123"`, "abc.def-123"},
		{`Authorization: Bearer eyJ0.abc_def`, "eyJ0.abc_def"},
		{`"serialNumber": "BS12345678"`, "BS12345678"},
		{`redirect?code=AQAB-xyz.123&state=s`, "AQAB-xyz.123"},
		{`a%3dSecretValue123%26b`, "SecretValue123"},
	}
	for _, tc := range cases {
		got := Redact(tc.in)
		if strings.Contains(got, tc.wantGone) {
			t.Errorf("Redact(%q) = %q, still contains secret", tc.in, got)
		}
		if !strings.Contains(got, redactedPlaceholder) {
			t.Errorf("Redact(%q) = %q, no placeholder", tc.in, got)
		}
	}
}
