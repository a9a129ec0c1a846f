package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/oakmere/flaggate/internal/core"
	"github.com/oakmere/flaggate/internal/middleware"
	"github.com/oakmere/flaggate/internal/repository"
	"github.com/oakmere/flaggate/internal/service"
)

type fakeService struct {
	flags      map[string]core.Flag
	history    map[string][]repository.HistoryEntry
	failWith   error
	lastActor  string
	lastUpdate service.FlagUpdate
}

func newFakeService() *fakeService {
	return &fakeService{
		flags:   make(map[string]core.Flag),
		history: make(map[string][]repository.HistoryEntry),
	}
}

func (f *fakeService) IsEnabled(_ context.Context, key string, evalCtx core.Context) bool {
	flag, ok := f.flags[key]
	if !ok {
		return false
	}
	return core.Evaluate(flag, evalCtx)
}

func (f *fakeService) GetUserFlags(_ context.Context, evalCtx core.Context) map[string]bool {
	results := make(map[string]bool, len(f.flags))
	for key, flag := range f.flags {
		results[key] = core.Evaluate(flag, evalCtx)
	}
	return results
}

func (f *fakeService) GetAllFlags(context.Context) ([]core.Flag, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	flags := make([]core.Flag, 0, len(f.flags))
	for _, flag := range f.flags {
		flags = append(flags, flag)
	}
	return flags, nil
}

func (f *fakeService) GetFlag(_ context.Context, key string) (core.Flag, error) {
	if f.failWith != nil {
		return core.Flag{}, f.failWith
	}
	flag, ok := f.flags[key]
	if !ok {
		return core.Flag{}, service.ErrNotFound
	}
	return flag, nil
}

func (f *fakeService) CreateFlag(_ context.Context, flag core.Flag, actor string) (core.Flag, error) {
	if f.failWith != nil {
		return core.Flag{}, f.failWith
	}
	if _, exists := f.flags[flag.Key]; exists {
		return core.Flag{}, service.ErrDuplicateKey
	}
	if err := core.ValidateFlag(flag); err != nil {
		return core.Flag{}, fmt.Errorf("%w: %w", service.ErrInvalidDefinition, err)
	}
	f.flags[flag.Key] = flag
	f.lastActor = actor
	return flag, nil
}

func (f *fakeService) UpdateFlag(_ context.Context, key string, update service.FlagUpdate, actor string) (core.Flag, error) {
	if f.failWith != nil {
		return core.Flag{}, f.failWith
	}
	flag, ok := f.flags[key]
	if !ok {
		return core.Flag{}, service.ErrNotFound
	}
	if update.Enabled != nil {
		flag.Enabled = *update.Enabled
	}
	if update.RolloutPercentage != nil {
		flag.RolloutPercentage = *update.RolloutPercentage
	}
	f.flags[key] = flag
	f.lastActor = actor
	f.lastUpdate = update
	return flag, nil
}

func (f *fakeService) Toggle(_ context.Context, key string, actor string) (core.Flag, error) {
	if f.failWith != nil {
		return core.Flag{}, f.failWith
	}
	flag, ok := f.flags[key]
	if !ok {
		return core.Flag{}, service.ErrNotFound
	}
	flag.Enabled = !flag.Enabled
	f.flags[key] = flag
	f.lastActor = actor
	return flag, nil
}

func (f *fakeService) DeleteFlag(_ context.Context, key string, actor string) error {
	if f.failWith != nil {
		return f.failWith
	}
	if _, ok := f.flags[key]; !ok {
		return service.ErrNotFound
	}
	delete(f.flags, key)
	f.lastActor = actor
	return nil
}

func (f *fakeService) History(_ context.Context, key string) ([]repository.HistoryEntry, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	entries, ok := f.history[key]
	if !ok {
		return nil, service.ErrNotFound
	}
	return entries, nil
}

func doRequest(t *testing.T, handler http.Handler, method, path, body string, principal middleware.Principal) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req = req.WithContext(middleware.NewContextWithPrincipal(req.Context(), principal))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

var (
	adminPrincipal   = middleware.Principal{Actor: "alice", Role: middleware.RoleAdmin}
	servicePrincipal = middleware.Principal{Actor: "checkout-svc", Role: middleware.RoleService}
)

func TestCreateFlagHTTP(t *testing.T) {
	svc := newFakeService()
	handler := NewHTTPHandler(svc)

	rec := doRequest(t, handler, http.MethodPost, "/v1/flags",
		`{"key":"new-checkout","enabled":true,"environment":"production","rollout_percentage":25,"target_roles":["beta"]}`,
		adminPrincipal)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d; body: %s", rec.Code, http.StatusCreated, rec.Body)
	}

	var created core.Flag
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if created.Key != "new-checkout" || created.RolloutPercentage != 25 {
		t.Errorf("unexpected created flag: %+v", created)
	}
	if svc.lastActor != "alice" {
		t.Errorf("actor = %q, want alice", svc.lastActor)
	}
}

func TestCreateFlagHTTPValidation(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{name: "missing key", body: `{"enabled":true}`, wantStatus: http.StatusBadRequest},
		{name: "unknown environment", body: `{"key":"x","environment":"qa"}`, wantStatus: http.StatusBadRequest},
		{name: "rollout above range", body: `{"key":"x","rollout_percentage":101}`, wantStatus: http.StatusBadRequest},
		{name: "unknown field", body: `{"key":"x","nope":1}`, wantStatus: http.StatusBadRequest},
		{name: "malformed json", body: `{`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHTTPHandler(newFakeService())
			rec := doRequest(t, handler, http.MethodPost, "/v1/flags", tt.body, adminPrincipal)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body: %s", rec.Code, tt.wantStatus, rec.Body)
			}
		})
	}
}

func TestCreateFlagHTTPDuplicate(t *testing.T) {
	svc := newFakeService()
	svc.flags["taken"] = core.Flag{Key: "taken", Environment: core.EnvironmentAll}
	handler := NewHTTPHandler(svc)

	rec := doRequest(t, handler, http.MethodPost, "/v1/flags", `{"key":"taken"}`, adminPrincipal)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestMutationRoutesRequireAdmin(t *testing.T) {
	svc := newFakeService()
	svc.flags["existing"] = core.Flag{Key: "existing", Environment: core.EnvironmentAll}
	svc.history["existing"] = []repository.HistoryEntry{{ID: 1, FlagKey: "existing", Action: repository.ActionCreated}}
	handler := NewHTTPHandler(svc)

	routes := []struct {
		method string
		path   string
		body   string
	}{
		{http.MethodPost, "/v1/flags", `{"key":"y"}`},
		{http.MethodGet, "/v1/flags", ""},
		{http.MethodPatch, "/v1/flags/existing", `{"enabled":true}`},
		{http.MethodDelete, "/v1/flags/existing", ""},
		{http.MethodPost, "/v1/flags/existing/toggle", ""},
		{http.MethodGet, "/v1/flags/existing/history", ""},
	}

	for _, route := range routes {
		t.Run(route.method+" "+route.path, func(t *testing.T) {
			rec := doRequest(t, handler, route.method, route.path, route.body, servicePrincipal)
			if rec.Code != http.StatusForbidden {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
			}
		})
	}
}

func TestGetFlagHTTP(t *testing.T) {
	svc := newFakeService()
	svc.flags["dark-mode"] = core.Flag{Key: "dark-mode", Enabled: true, Environment: core.EnvironmentAll, RolloutPercentage: 100}
	handler := NewHTTPHandler(svc)

	rec := doRequest(t, handler, http.MethodGet, "/v1/flags/dark-mode", "", servicePrincipal)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	rec = doRequest(t, handler, http.MethodGet, "/v1/flags/absent", "", servicePrincipal)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing flag status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestUpdateFlagHTTPPartial(t *testing.T) {
	svc := newFakeService()
	svc.flags["dark-mode"] = core.Flag{Key: "dark-mode", Environment: core.EnvironmentAll, RolloutPercentage: 10}
	handler := NewHTTPHandler(svc)

	rec := doRequest(t, handler, http.MethodPatch, "/v1/flags/dark-mode", `{"rollout_percentage":50}`, adminPrincipal)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body: %s", rec.Code, http.StatusOK, rec.Body)
	}

	if svc.lastUpdate.RolloutPercentage == nil || *svc.lastUpdate.RolloutPercentage != 50 {
		t.Error("rollout_percentage was not carried into the update")
	}
	if svc.lastUpdate.Enabled != nil {
		t.Error("enabled should stay unset on a partial update")
	}
}

func TestUpdateFlagHTTPUnknownEnvironment(t *testing.T) {
	svc := newFakeService()
	svc.flags["dark-mode"] = core.Flag{Key: "dark-mode", Environment: core.EnvironmentAll}
	handler := NewHTTPHandler(svc)

	rec := doRequest(t, handler, http.MethodPatch, "/v1/flags/dark-mode", `{"environment":"qa"}`, adminPrincipal)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestToggleFlagHTTP(t *testing.T) {
	svc := newFakeService()
	svc.flags["dark-mode"] = core.Flag{Key: "dark-mode", Enabled: false, Environment: core.EnvironmentAll}
	handler := NewHTTPHandler(svc)

	rec := doRequest(t, handler, http.MethodPost, "/v1/flags/dark-mode/toggle", "", adminPrincipal)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var toggled core.Flag
	if err := json.Unmarshal(rec.Body.Bytes(), &toggled); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !toggled.Enabled {
		t.Error("toggle did not flip enabled")
	}
}

func TestDeleteFlagHTTP(t *testing.T) {
	svc := newFakeService()
	svc.flags["old"] = core.Flag{Key: "old", Environment: core.EnvironmentAll}
	handler := NewHTTPHandler(svc)

	rec := doRequest(t, handler, http.MethodDelete, "/v1/flags/old", "", adminPrincipal)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}

	rec = doRequest(t, handler, http.MethodDelete, "/v1/flags/old", "", adminPrincipal)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestFlagHistoryHTTP(t *testing.T) {
	svc := newFakeService()
	svc.history["old"] = []repository.HistoryEntry{
		{ID: 2, FlagKey: "old", Action: repository.ActionDeleted, ChangedBy: "alice"},
		{ID: 1, FlagKey: "old", Action: repository.ActionCreated, ChangedBy: "alice"},
	}
	handler := NewHTTPHandler(svc)

	rec := doRequest(t, handler, http.MethodGet, "/v1/flags/old/history", "", adminPrincipal)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var entries []repository.HistoryEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != 2 {
		t.Errorf("unexpected history payload: %+v", entries)
	}
}

func TestEvaluateHTTP(t *testing.T) {
	svc := newFakeService()
	svc.flags["dark-mode"] = core.Flag{Key: "dark-mode", Enabled: true, Environment: core.EnvironmentProduction, RolloutPercentage: 100}
	handler := NewHTTPHandler(svc, WithDefaultEnvironment(core.EnvironmentProduction))

	tests := []struct {
		name        string
		body        string
		wantEnabled bool
	}{
		{
			name:        "matching environment",
			body:        `{"flag_key":"dark-mode","context":{"subject_id":"u1","environment":"production"}}`,
			wantEnabled: true,
		},
		{
			name:        "environment mismatch",
			body:        `{"flag_key":"dark-mode","context":{"subject_id":"u1","environment":"staging"}}`,
			wantEnabled: false,
		},
		{
			name:        "blank environment uses server default",
			body:        `{"flag_key":"dark-mode","context":{"subject_id":"u1"}}`,
			wantEnabled: true,
		},
		{
			name:        "unknown key fails closed",
			body:        `{"flag_key":"absent","context":{"subject_id":"u1","environment":"production"}}`,
			wantEnabled: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, handler, http.MethodPost, "/v1/evaluate", tt.body, servicePrincipal)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d; body: %s", rec.Code, http.StatusOK, rec.Body)
			}

			var resp evaluateResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decoding response: %v", err)
			}
			if resp.Enabled != tt.wantEnabled {
				t.Errorf("enabled = %v, want %v", resp.Enabled, tt.wantEnabled)
			}
		})
	}
}

func TestEvaluateHTTPMissingKey(t *testing.T) {
	handler := NewHTTPHandler(newFakeService())
	rec := doRequest(t, handler, http.MethodPost, "/v1/evaluate", `{"context":{"subject_id":"u1"}}`, servicePrincipal)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestEvaluateAllHTTP(t *testing.T) {
	svc := newFakeService()
	svc.flags["a"] = core.Flag{Key: "a", Enabled: true, Environment: core.EnvironmentAll, RolloutPercentage: 100}
	svc.flags["b"] = core.Flag{Key: "b", Enabled: false, Environment: core.EnvironmentAll, RolloutPercentage: 100}
	handler := NewHTTPHandler(svc)

	rec := doRequest(t, handler, http.MethodPost, "/v1/evaluate/all", `{"context":{"subject_id":"u1","environment":"all"}}`, servicePrincipal)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp evaluateAllResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Flags) != 2 || !resp.Flags["a"] || resp.Flags["b"] {
		t.Errorf("unexpected evaluation map: %v", resp.Flags)
	}
}

func TestListFlagsHTTPUnavailable(t *testing.T) {
	svc := newFakeService()
	svc.failWith = service.ErrUnavailable
	handler := NewHTTPHandler(svc)

	rec := doRequest(t, handler, http.MethodGet, "/v1/flags", "", adminPrincipal)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
