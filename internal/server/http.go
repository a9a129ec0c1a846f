package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/oakmere/flaggate/internal/core"
	"github.com/oakmere/flaggate/internal/middleware"
	"github.com/oakmere/flaggate/internal/service"
)

const maxJSONBodyBytes = 1 << 20

var errJSONBodyTooLarge = errors.New("json request body too large")

// HTTPServer serves the admin and evaluation API. Mutation and audit routes
// require the admin role; evaluation routes are open to any authenticated
// principal.
type HTTPServer struct {
	service     Service
	defaultEnv  core.Environment
	maxBodySize int64
}

// HTTPOption configures optional handler parameters.
type HTTPOption func(*HTTPServer)

// WithDefaultEnvironment sets the environment assumed for evaluation
// requests that omit one.
func WithDefaultEnvironment(env core.Environment) HTTPOption {
	return func(s *HTTPServer) { s.defaultEnv = env }
}

// WithMaxJSONBodySize overrides the request body size limit in bytes.
func WithMaxJSONBodySize(n int64) HTTPOption {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxBodySize = n
		}
	}
}

type createFlagRequest struct {
	Key               string   `json:"key"`
	Enabled           bool     `json:"enabled"`
	Environment       string   `json:"environment"`
	RolloutPercentage int      `json:"rollout_percentage"`
	TargetRoles       []string `json:"target_roles"`
	Description       string   `json:"description"`
}

type updateFlagRequest struct {
	Enabled           *bool     `json:"enabled"`
	Environment       *string   `json:"environment"`
	RolloutPercentage *int      `json:"rollout_percentage"`
	TargetRoles       *[]string `json:"target_roles"`
	Description       *string   `json:"description"`
}

type evaluateRequest struct {
	FlagKey string       `json:"flag_key"`
	Context core.Context `json:"context"`
}

type evaluateResponse struct {
	FlagKey string `json:"flag_key"`
	Enabled bool   `json:"enabled"`
}

type evaluateAllRequest struct {
	Context core.Context `json:"context"`
}

type evaluateAllResponse struct {
	Flags map[string]bool `json:"flags"`
}

// NewHTTPHandler builds the route table. Callers are expected to wrap the
// returned handler with authentication and logging middleware.
func NewHTTPHandler(svc Service, opts ...HTTPOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:     svc,
		defaultEnv:  core.EnvironmentAll,
		maxBodySize: maxJSONBodyBytes,
	}
	for _, o := range opts {
		o(server)
	}

	admin := middleware.RequireRole(middleware.RoleAdmin)
	adminFunc := func(h http.HandlerFunc) http.Handler { return admin(h) }

	mux := http.NewServeMux()
	mux.Handle("POST /v1/flags", adminFunc(server.handleCreateFlag))
	mux.Handle("GET /v1/flags", adminFunc(server.handleListFlags))
	mux.HandleFunc("GET /v1/flags/{key}", server.handleGetFlag)
	mux.Handle("PATCH /v1/flags/{key}", adminFunc(server.handleUpdateFlag))
	mux.Handle("DELETE /v1/flags/{key}", adminFunc(server.handleDeleteFlag))
	mux.Handle("POST /v1/flags/{key}/toggle", adminFunc(server.handleToggleFlag))
	mux.Handle("GET /v1/flags/{key}/history", adminFunc(server.handleFlagHistory))
	mux.HandleFunc("POST /v1/evaluate", server.handleEvaluate)
	mux.HandleFunc("POST /v1/evaluate/all", server.handleEvaluateAll)

	return mux
}

func (s *HTTPServer) handleCreateFlag(w http.ResponseWriter, r *http.Request) {
	var request createFlagRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(request.Key) == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	env := core.EnvironmentAll
	if strings.TrimSpace(request.Environment) != "" {
		parsed, err := core.ParseEnvironment(request.Environment)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "unknown environment")
			return
		}
		env = parsed
	}

	created, err := s.service.CreateFlag(r.Context(), core.Flag{
		Key:               request.Key,
		Enabled:           request.Enabled,
		Environment:       env,
		RolloutPercentage: request.RolloutPercentage,
		TargetRoles:       request.TargetRoles,
		Description:       request.Description,
	}, actorFromContext(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	flag, err := s.service.GetFlag(r.Context(), key)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flag)
}

func (s *HTTPServer) handleListFlags(w http.ResponseWriter, r *http.Request) {
	flags, err := s.service.GetAllFlags(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flags)
}

func (s *HTTPServer) handleUpdateFlag(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	var request updateFlagRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	update := service.FlagUpdate{
		Enabled:           request.Enabled,
		RolloutPercentage: request.RolloutPercentage,
		TargetRoles:       request.TargetRoles,
		Description:       request.Description,
	}
	if request.Environment != nil {
		env, err := core.ParseEnvironment(*request.Environment)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "unknown environment")
			return
		}
		update.Environment = &env
	}

	updated, err := s.service.UpdateFlag(r.Context(), key, update, actorFromContext(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleToggleFlag(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	toggled, err := s.service.Toggle(r.Context(), key, actorFromContext(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toggled)
}

func (s *HTTPServer) handleDeleteFlag(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	if err := s.service.DeleteFlag(r.Context(), key, actorFromContext(r.Context())); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleFlagHistory(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	entries, err := s.service.History(r.Context(), key)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, entries)
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var request evaluateRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(request.FlagKey) == "" {
		writeJSONError(w, http.StatusBadRequest, "flag_key is required")
		return
	}

	evalCtx := s.normalizeContext(request.Context)
	enabled := s.service.IsEnabled(r.Context(), request.FlagKey, evalCtx)

	writeJSON(w, http.StatusOK, evaluateResponse{FlagKey: request.FlagKey, Enabled: enabled})
}

func (s *HTTPServer) handleEvaluateAll(w http.ResponseWriter, r *http.Request) {
	var request evaluateAllRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	evalCtx := s.normalizeContext(request.Context)
	flags := s.service.GetUserFlags(r.Context(), evalCtx)

	writeJSON(w, http.StatusOK, evaluateAllResponse{Flags: flags})
}

// normalizeContext fills in the server's default environment when the caller
// leaves it blank. An unknown environment value is passed through unchanged;
// evaluation treats it as a non-match, which fails closed.
func (s *HTTPServer) normalizeContext(evalCtx core.Context) core.Context {
	if strings.TrimSpace(string(evalCtx.Environment)) == "" {
		evalCtx.Environment = s.defaultEnv
	}
	return evalCtx
}

func actorFromContext(ctx context.Context) string {
	principal, ok := middleware.PrincipalFromContext(ctx)
	if !ok {
		return "unknown"
	}
	return principal.Actor
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidDefinition):
		writeJSONError(w, http.StatusBadRequest, serviceErrorMessage(err))
	case errors.Is(err, service.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, serviceErrorMessage(err))
	case errors.Is(err, service.ErrDuplicateKey):
		writeJSONError(w, http.StatusConflict, serviceErrorMessage(err))
	case errors.Is(err, service.ErrFeatureDisabled):
		writeJSONError(w, http.StatusForbidden, serviceErrorMessage(err))
	case errors.Is(err, service.ErrUnavailable):
		writeJSONError(w, http.StatusServiceUnavailable, serviceErrorMessage(err))
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, serviceErrorMessage(err))
	default:
		writeJSONError(w, http.StatusInternalServerError, serviceErrorMessage(err))
	}
}

func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidDefinition):
		return "invalid flag definition"
	case errors.Is(err, service.ErrNotFound):
		return "flag not found"
	case errors.Is(err, service.ErrDuplicateKey):
		return "flag key already exists"
	case errors.Is(err, service.ErrFeatureDisabled):
		return "feature disabled"
	case errors.Is(err, service.ErrUnavailable):
		return "flag store unavailable"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return "internal server error"
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodySize))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
