package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewRateLimiter(1, 2)
	defer limiter.Stop()
	h := RateLimitMiddleware(limiter)(okHandler())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/wallet/balance", nil)
		req.Header.Set(HeaderUserID, "user-1")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("Expected the burst to pass, got %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("Expected 429 after the burst, got %d", codes[2])
	}

	// Another client has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/wallet/balance", nil)
	req.Header.Set(HeaderUserID, "user-2")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected a separate bucket per client, got %d", rr.Code)
	}
}

func TestGetClientKey(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "admin wins", headers: map[string]string{HeaderAdminID: "a1", HeaderUserID: "u1"}, remote: "10.0.0.1:1234", want: "admin:a1"},
		{name: "user", headers: map[string]string{HeaderUserID: "u1"}, remote: "10.0.0.1:1234", want: "user:u1"},
		{name: "forwarded", headers: map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.2"}, remote: "10.0.0.1:1234", want: "ip:203.0.113.7"},
		{name: "real ip", headers: map[string]string{"X-Real-IP": "203.0.113.8"}, remote: "10.0.0.1:1234", want: "ip:203.0.113.8"},
		{name: "remote addr", remote: "10.0.0.1:1234", want: "ip:10.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := GetClientKey(req); got != tt.want {
				t.Errorf("GetClientKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCredentials(t *testing.T) {
	var gotUser, gotAdmin string
	h := Credentials(RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = UserIDFromContext(r.Context())
		gotAdmin, _ = AdminIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderUserID, " user-1 ")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || gotUser != "user-1" || gotAdmin != "" {
		t.Errorf("Unexpected result: code=%d user=%q admin=%q", rr.Code, gotUser, gotAdmin)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without credentials, got %d", rr.Code)
	}
}

type recordingObserver struct {
	route  string
	status int
}

func (o *recordingObserver) ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	o.route = route
	o.status = status
}

func TestRequestLoggerReportsStatus(t *testing.T) {
	obs := &recordingObserver{}
	h := RequestLogger(nil, obs)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	if obs.status != http.StatusTeapot || obs.route != "/health" {
		t.Errorf("Unexpected observation: %+v", obs)
	}
}
