package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/narvanalabs/buildfarm/internal/models"
)

// **Property 1: Store health decides availability**
// For any store state, the health response includes the store component
// and answers 503 exactly when the store is unreachable.
func TestPropertyStoreHealth(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("store status drives the response", prop.ForAll(
		func(version string, healthy bool) bool {
			pinger := PingFunc(func(ctx context.Context) error {
				if healthy {
					return nil
				}
				return errors.New("connection refused")
			})
			checker := NewChecker(pinger, nil, version)

			rr := httptest.NewRecorder()
			checker.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

			var resp Response
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				return false
			}
			store, ok := resp.Components["store"]
			if !ok || resp.Version != version {
				return false
			}
			if healthy {
				return rr.Code == http.StatusOK && store.Status == StatusHealthy
			}
			return rr.Code == http.StatusServiceUnavailable && store.Status == StatusUnhealthy
		},
		gen.RegexMatch(`v[0-9]+\.[0-9]+\.[0-9]+`),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestMachinesComponent(t *testing.T) {
	tests := []struct {
		name     string
		machines []*models.Machine
		status   Status
		message  string
	}{
		{"empty pool", nil, StatusDegraded, "no build machines configured"},
		{"busy pool", []*models.Machine{
			{ID: "m1", Status: models.MachineStatusBuilding},
			{ID: "m2", Status: models.MachineStatusAvailable},
		}, StatusHealthy, "1 of 2 machines available"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewChecker(nil, func() []*models.Machine { return tt.machines }, "dev")
			resp := checker.Check(context.Background())
			got := resp.Components["machines"]
			if got.Status != tt.status || got.Message != tt.message {
				t.Errorf("machines = %+v, want %s %q", got, tt.status, tt.message)
			}
			if resp.Status != tt.status {
				t.Errorf("overall = %s, want %s", resp.Status, tt.status)
			}
			if resp.Components["store"].Message != "in-memory" {
				t.Errorf("store = %+v", resp.Components["store"])
			}
		})
	}
}
