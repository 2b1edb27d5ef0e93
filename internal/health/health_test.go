package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeChecker struct {
	bus      BusStatus
	stats    RegistryStats
	recovery string
}

func (f fakeChecker) BusStatus() BusStatus         { return f.bus }
func (f fakeChecker) RegistryStats() RegistryStats { return f.stats }
func (f fakeChecker) RecoveryStatus() string       { return f.recovery }

func doHealthz(t *testing.T, r *Reporter) (*http.Response, statusBody) {
	t.Helper()
	srv := httptest.NewServer(r.server.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	var body statusBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return resp, body
}

func TestHealthz_HealthyWhenBusConnectedAndWithinThresholds(t *testing.T) {
	checker := fakeChecker{
		bus:      BusStatus{Connected: true},
		stats:    RegistryStats{TotalJobs: 100, FailedJobs: 1, OverdueJobs: 0},
		recovery: "Completed",
	}
	r := New("", checker, Thresholds{}, nil)

	resp, body := doHealthz(t, r)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body.Status != "ok" {
		t.Fatalf("unexpected status: %+v", body)
	}
}

func TestHealthz_UnavailableWhenBusDisconnectedOutsideMockMode(t *testing.T) {
	checker := fakeChecker{bus: BusStatus{Connected: false, MockMode: false}, recovery: "Completed"}
	r := New("", checker, Thresholds{}, nil)

	resp, _ := doHealthz(t, r)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestHealthz_MockModeToleratesDisconnectedBus(t *testing.T) {
	checker := fakeChecker{bus: BusStatus{Connected: false, MockMode: true}, recovery: "Completed"}
	r := New("", checker, Thresholds{}, nil)

	resp, _ := doHealthz(t, r)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 in mock mode, got %d", resp.StatusCode)
	}
}

func TestHealthz_UnavailableWhenFailureRateExceedsThreshold(t *testing.T) {
	checker := fakeChecker{
		bus:      BusStatus{Connected: true},
		stats:    RegistryStats{TotalJobs: 10, FailedJobs: 5},
		recovery: "Completed",
	}
	r := New("", checker, Thresholds{}, nil)

	resp, body := doHealthz(t, r)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if body.FailureRate != 0.5 {
		t.Fatalf("expected failureRate 0.5, got %f", body.FailureRate)
	}
}

func TestHealthz_UnavailableWhenRecoveryFailed(t *testing.T) {
	checker := fakeChecker{bus: BusStatus{Connected: true}, recovery: "Failed"}
	r := New("", checker, Thresholds{}, nil)

	resp, _ := doHealthz(t, r)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestHealthz_UnavailableWhenAbsoluteFailedJobsExceedsThreshold(t *testing.T) {
	checker := fakeChecker{
		bus:      BusStatus{Connected: true},
		stats:    RegistryStats{TotalJobs: 1000, FailedJobs: 25},
		recovery: "Completed",
	}
	r := New("", checker, Thresholds{MaxFailureRate: 1, MaxFailedJobs: 20}, nil)

	resp, _ := doHealthz(t, r)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}
