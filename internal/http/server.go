package http

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"helpdesk/assets/internal/auth"
	"helpdesk/assets/internal/capability"
	"helpdesk/assets/internal/config"
	"helpdesk/assets/internal/credential"
	"helpdesk/assets/internal/device"
	"helpdesk/assets/internal/directory"
	"helpdesk/assets/internal/identity"
	"helpdesk/assets/internal/importer"
	"helpdesk/assets/internal/kv"
	"helpdesk/assets/internal/logger"
	"helpdesk/assets/internal/metrics"
	"helpdesk/assets/internal/model"
)

const (
	maxImportBytes      = 5 << 20
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type Store interface {
	directory.Source
	CreateCredential(ctx context.Context, record model.CredentialRecord) (model.CredentialRecord, error)
	CreateCredentials(ctx context.Context, records []model.CredentialRecord) ([]model.CredentialRecord, error)
	DeleteCredential(ctx context.Context, id string) (bool, error)
	ListDeviceChanges(ctx context.Context, email string, limit int32) ([]model.DeviceChange, error)
	VerifySchema(ctx context.Context) (model.SchemaReport, error)
	CredentialsRPC() *capability.Cache
}

type Server struct {
	cfg       config.Config
	store     Store
	directory *directory.Service
	guard     *kv.Guard
	log       zerolog.Logger
}

func NewServer(cfg config.Config, store Store, guard *kv.Guard) *Server {
	return &Server{
		cfg:       cfg,
		store:     store,
		directory: directory.NewService(store),
		guard:     guard,
		log:       logger.WithComponent("http"),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.With(s.authMiddleware).Post("/devices/classify", s.handleClassifyDevice)
	r.With(s.authMiddleware, s.requirePermission(auth.PermHardwareRead)).Get("/devices", s.handleListDevices)
	r.With(s.authMiddleware, s.requirePermission(auth.PermHardwareRead)).Get("/devices/history", s.handleDeviceHistory)

	r.Route("/users", func(r chi.Router) {
		r.With(s.authMiddleware, s.requirePermission(auth.PermCredentialsRead)).Get("/consolidated", s.handleListConsolidatedUsers)
		r.With(s.authMiddleware, s.requirePermission(auth.PermCredentialsRead)).Get("/{email}/credentials", s.handleGetUserCredentials)
		r.With(s.authMiddleware, s.requirePermission(auth.PermHardwareRead)).Get("/{email}/device", s.handleGetUserDevice)
	})

	r.Route("/credentials", func(r chi.Router) {
		r.With(s.authMiddleware, s.requirePermission(auth.PermCredentialsWrite)).Post("/", s.handleCreateCredential)
		r.With(s.authMiddleware, s.requirePermission(auth.PermUsersImport)).Post("/import", s.handleImportCredentials)
		r.With(s.authMiddleware, s.requirePermission(auth.PermCredentialsWrite)).Delete("/{credentialId}", s.handleDeleteCredential)
	})

	r.With(s.authMiddleware, s.requirePermission(auth.PermAdminDeployment)).Get("/admin/deployment", s.handleDeploymentStatus)

	return r
}

type credentialResponse struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	Password    string    `json:"password"`
	ServiceType string    `json:"serviceType"`
	Email       *string   `json:"email,omitempty"`
	Notes       *string   `json:"notes,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type userResponse struct {
	ID                 string               `json:"id"`
	Email              string               `json:"email"`
	HasVPN             bool                 `json:"hasVpn"`
	HasRDP             bool                 `json:"hasRdp"`
	CredentialsSummary string               `json:"credentialsSummary"`
	VPNCredentials     []credentialResponse `json:"vpnCredentials"`
	RDPCredentials     []credentialResponse `json:"rdpCredentials"`
	CreatedAt          time.Time            `json:"createdAt"`
	UpdatedAt          time.Time            `json:"updatedAt"`
}

type deviceResponse struct {
	Email              string  `json:"email"`
	AssetTag           *string `json:"assetTag,omitempty"`
	SerialNumber       *string `json:"serialNumber,omitempty"`
	HasIntuneDevice    bool    `json:"hasIntuneDevice"`
	DeviceType         string  `json:"deviceType"`
	DeviceTypeLabel    string  `json:"deviceTypeLabel"`
	Reason             string  `json:"reason"`
	Rule               string  `json:"rule"`
	HasVPN             bool    `json:"hasVpn"`
	HasRDP             bool    `json:"hasRdp"`
	CredentialsSummary string  `json:"credentialsSummary"`
}

type deviceChangeResponse struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PreviousType *string   `json:"previousType"`
	NewType      string    `json:"newType"`
	Reason       string    `json:"reason"`
	ChangedAt    time.Time `json:"changedAt"`
}

type createCredentialRequest struct {
	Username    string  `json:"username"`
	Password    string  `json:"password"`
	ServiceType string  `json:"serviceType"`
	Email       *string `json:"email"`
	Notes       *string `json:"notes"`
}

type importResponse struct {
	Format   string              `json:"format"`
	Imported int                 `json:"imported"`
	Skipped  int                 `json:"skipped"`
	Errors   []importer.RowError `json:"errors"`
}

type deploymentResponse struct {
	Ready          bool            `json:"ready"`
	Tables         map[string]bool `json:"tables"`
	Functions      map[string]bool `json:"functions"`
	CredentialsRPC string          `json:"credentialsRpc"`
	CheckedAt      time.Time       `json:"checkedAt"`
}

func (s *Server) handleClassifyDevice(w http.ResponseWriter, r *http.Request) {
	var req device.ClassificationInput
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	result := device.Classify(req)
	metrics.Classifications.WithLabelValues(result.Type.String(), string(result.Rule)).Inc()
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.directory.UserDevices(r.Context())
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapDevices(devices))
}

func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	limit := int32(defaultHistoryLimit)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		if parsed > maxHistoryLimit {
			parsed = maxHistoryLimit
		}
		limit = int32(parsed)
	}
	email := strings.TrimSpace(r.URL.Query().Get("email"))

	changes, err := s.store.ListDeviceChanges(r.Context(), email, limit)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	resp := make([]deviceChangeResponse, 0, len(changes))
	for _, change := range changes {
		resp = append(resp, deviceChangeResponse{
			ID:           change.ID,
			Email:        change.Email,
			PreviousType: change.PreviousType,
			NewType:      change.NewType,
			Reason:       change.Reason,
			ChangedAt:    change.ChangedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListConsolidatedUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.directory.ConsolidatedUsers(r.Context())
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	resp := make([]userResponse, 0, len(users))
	for _, user := range users {
		resp = append(resp, mapUser(user))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetUserCredentials(w http.ResponseWriter, r *http.Request) {
	email, ok := emailParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing_email")
		return
	}
	user, found, err := s.directory.UserCredentials(r.Context(), email)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "user_not_found")
		return
	}
	writeJSON(w, http.StatusOK, mapUser(user))
}

func (s *Server) handleGetUserDevice(w http.ResponseWriter, r *http.Request) {
	email, ok := emailParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing_email")
		return
	}
	devices, err := s.directory.ClassifyEmail(r.Context(), email)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapDevices(devices))
}

func (s *Server) handleCreateCredential(w http.ResponseWriter, r *http.Request) {
	var req createCredentialRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	serviceType, ok := model.ParseServiceType(req.ServiceType)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_service_type")
		return
	}
	if !credential.IsValidString(req.Username) && !credential.IsValidString(req.Password) {
		writeError(w, http.StatusBadRequest, "missing_credentials")
		return
	}
	if req.Email != nil {
		trimmed := strings.TrimSpace(*req.Email)
		if trimmed == "" {
			req.Email = nil
		} else {
			req.Email = &trimmed
		}
	}

	created, err := s.store.CreateCredential(r.Context(), model.CredentialRecord{
		Username:    strings.TrimSpace(req.Username),
		Password:    req.Password,
		ServiceType: serviceType,
		Email:       req.Email,
		Notes:       req.Notes,
	})
	if err != nil {
		if isUniqueViolation(err) {
			writeError(w, http.StatusConflict, "credential_exists")
			return
		}
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, mapCredential(created))
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	credentialID := chi.URLParam(r, "credentialId")
	if _, err := uuid.Parse(credentialID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_credential_id")
		return
	}

	deleted, err := s.store.DeleteCredential(r.Context(), credentialID)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "credential_not_found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleImportCredentials(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImportBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file_too_large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "empty_file")
		return
	}

	sum := sha256.Sum256(body)
	lease, ok, err := s.guard.Acquire(r.Context(), "import:"+hex.EncodeToString(sum[:]), s.cfg.ImportDedupeTTL)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if !ok {
		metrics.Imports.WithLabelValues("duplicate").Inc()
		writeError(w, http.StatusConflict, "duplicate_import")
		return
	}

	result, err := importer.Parse(bytes.NewReader(body))
	if err != nil {
		_ = lease.Release(r.Context())
		metrics.Imports.WithLabelValues("rejected").Inc()
		if errors.Is(err, importer.ErrMissingColumns) {
			writeError(w, http.StatusBadRequest, "missing_columns")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_csv")
		return
	}

	created := 0
	if len(result.Records) > 0 {
		records, err := s.store.CreateCredentials(r.Context(), result.Records)
		if err != nil {
			_ = lease.Release(r.Context())
			metrics.Imports.WithLabelValues("failed").Inc()
			if isUniqueViolation(err) {
				writeError(w, http.StatusConflict, "credential_exists")
				return
			}
			s.serverError(w, r, err)
			return
		}
		created = len(records)
	}

	metrics.Imports.WithLabelValues("ok").Inc()
	metrics.ImportedRecords.Add(float64(created))
	rowErrors := result.Errors
	if rowErrors == nil {
		rowErrors = []importer.RowError{}
	}
	s.log.Info().Str("format", string(result.Format)).Int("imported", created).Int("row_errors", len(rowErrors)).Msg("credentials imported")
	writeJSON(w, http.StatusOK, importResponse{
		Format:   string(result.Format),
		Imported: created,
		Skipped:  result.Skipped,
		Errors:   rowErrors,
	})
}

func (s *Server) handleDeploymentStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.store.VerifySchema(r.Context())
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deploymentResponse{
		Ready:          report.Ready(),
		Tables:         report.Tables,
		Functions:      report.Functions,
		CredentialsRPC: s.store.CredentialsRPC().State().String(),
		CheckedAt:      report.CheckedAt,
	})
}

func mapCredential(record model.CredentialRecord) credentialResponse {
	return credentialResponse{
		ID:          record.ID,
		Username:    record.Username,
		Password:    record.Password,
		ServiceType: string(record.ServiceType),
		Email:       record.Email,
		Notes:       record.Notes,
		CreatedAt:   record.CreatedAt,
		UpdatedAt:   record.UpdatedAt,
	}
}

func mapCredentials(records []model.CredentialRecord) []credentialResponse {
	out := make([]credentialResponse, 0, len(records))
	for _, record := range records {
		out = append(out, mapCredential(record))
	}
	return out
}

func mapUser(user identity.ConsolidatedUser) userResponse {
	return userResponse{
		ID:                 user.ID,
		Email:              user.Email,
		HasVPN:             user.HasVPN,
		HasRDP:             user.HasRDP,
		CredentialsSummary: identity.CredentialsSummary(user),
		VPNCredentials:     mapCredentials(user.VPNCredentials),
		RDPCredentials:     mapCredentials(user.RDPCredentials),
		CreatedAt:          user.CreatedAt,
		UpdatedAt:          user.UpdatedAt,
	}
}

func mapDevices(devices []directory.UserDevice) []deviceResponse {
	out := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		resp := deviceResponse{
			Email:              d.Email,
			DeviceType:         d.Result.Type.String(),
			DeviceTypeLabel:    d.Result.Type.Label(),
			Reason:             d.Result.Reason,
			Rule:               string(d.Result.Rule),
			CredentialsSummary: "No credentials",
		}
		if d.Signal != nil {
			resp.AssetTag = d.Signal.AssetTag
			resp.SerialNumber = d.Signal.SerialNumber
			resp.HasIntuneDevice = d.Signal.HasIntuneDevice
		}
		if d.User != nil {
			resp.HasVPN = d.User.HasVPN
			resp.HasRDP = d.User.HasRDP
			resp.CredentialsSummary = identity.CredentialsSummary(*d.User)
		}
		out = append(out, resp)
	}
	return out
}

func emailParam(r *http.Request) (string, bool) {
	raw := chi.URLParam(r, "email")
	email, err := url.PathUnescape(raw)
	if err != nil {
		email = raw
	}
	email = strings.TrimSpace(email)
	return email, email != ""
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}

		claims, err := auth.ParseToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requirePermission(perm auth.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := claimsFromContext(r.Context())
			if claims == nil || !auth.PermissionsFor(claims.Role).Has(perm) {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Str("path", r.URL.Path).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "server_error")
}

type claimsKey struct{}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
