package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helpdesk/assets/internal/auth"
	"helpdesk/assets/internal/capability"
	"helpdesk/assets/internal/config"
	"helpdesk/assets/internal/identity"
	"helpdesk/assets/internal/kv"
	"helpdesk/assets/internal/model"
)

type fakeStore struct {
	mu        sync.Mutex
	records   []model.CredentialRecord
	signals   []model.DeviceSignal
	changes   []model.DeviceChange
	report    model.SchemaReport
	rpc       *capability.Cache
	createErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rpc: capability.NewCache("get_user_credentials", func(context.Context) (bool, error) { return true, nil }),
	}
}

func (f *fakeStore) ListCredentials(context.Context) ([]model.CredentialRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.CredentialRecord(nil), f.records...), nil
}

func (f *fakeStore) FetchUserCredentials(_ context.Context, email string) ([]model.CredentialRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.CredentialRecord, 0)
	for _, record := range f.records {
		if record.Email != nil && identity.EmailKey(*record.Email) == identity.EmailKey(email) {
			out = append(out, record)
		}
	}
	return out, nil
}

func (f *fakeStore) ListDeviceSignals(context.Context) ([]model.DeviceSignal, error) {
	return f.signals, nil
}

func (f *fakeStore) DeviceSignalsForEmail(_ context.Context, email string) ([]model.DeviceSignal, error) {
	out := make([]model.DeviceSignal, 0)
	for _, signal := range f.signals {
		if signal.Email == identity.EmailKey(email) {
			out = append(out, signal)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateCredential(ctx context.Context, record model.CredentialRecord) (model.CredentialRecord, error) {
	created, err := f.CreateCredentials(ctx, []model.CredentialRecord{record})
	if err != nil {
		return model.CredentialRecord{}, err
	}
	return created[0], nil
}

func (f *fakeStore) CreateCredentials(_ context.Context, records []model.CredentialRecord) ([]model.CredentialRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	now := time.Now().UTC()
	out := make([]model.CredentialRecord, 0, len(records))
	for _, record := range records {
		record.ID = uuid.NewString()
		record.CreatedAt = now
		record.UpdatedAt = now
		f.records = append(f.records, record)
		out = append(out, record)
	}
	return out, nil
}

func (f *fakeStore) DeleteCredential(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, record := range f.records {
		if record.ID == id {
			f.records = append(f.records[:i], f.records[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) ListDeviceChanges(_ context.Context, email string, limit int32) ([]model.DeviceChange, error) {
	out := make([]model.DeviceChange, 0)
	for _, change := range f.changes {
		if email == "" || change.Email == email {
			out = append(out, change)
		}
		if int32(len(out)) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) VerifySchema(context.Context) (model.SchemaReport, error) {
	return f.report, nil
}

func (f *fakeStore) CredentialsRPC() *capability.Cache {
	return f.rpc
}

const (
	testSecret = "test-secret"
	testIssuer = "test-issuer"
)

func testConfig() config.Config {
	return config.Config{
		HTTPAddr:        ":0",
		JWTSecret:       testSecret,
		JWTIssuer:       testIssuer,
		ImportDedupeTTL: time.Minute,
	}
}

func newTestApp(t *testing.T, store *fakeStore, guard *kv.Guard) *httptest.Server {
	t.Helper()
	if guard == nil {
		guard = kv.NewGuard(nil, "")
	}
	app := httptest.NewServer(NewServer(testConfig(), store, guard).Router())
	t.Cleanup(app.Close)
	return app
}

func mustToken(t *testing.T, role auth.Role) string {
	token, err := auth.NewAccessToken(testSecret, testIssuer, 10*time.Minute, auth.Claims{
		UserID: "user-" + string(role),
		Email:  string(role) + "@example.local",
		Role:   role,
	})
	if err != nil {
		t.Fatalf("token error: %v", err)
	}
	return token
}

func doReq(t *testing.T, method, url, token string, body interface{}) *http.Response {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode error: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("http error: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func strPtr(value string) *string {
	return &value
}

func seedRecord(store *fakeStore, email string, service model.ServiceType, username string) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	store.records = append(store.records, model.CredentialRecord{
		ID:          uuid.NewString(),
		Username:    username,
		Password:    "pw-" + username,
		ServiceType: service,
		Email:       strPtr(email),
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

func TestHealthAndAuth(t *testing.T) {
	app := newTestApp(t, newFakeStore(), nil)

	resp := doReq(t, http.MethodGet, app.URL+"/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doReq(t, http.MethodGet, app.URL+"/devices", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doReq(t, http.MethodGet, app.URL+"/devices", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doReq(t, http.MethodGet, app.URL+"/devices", mustToken(t, auth.RoleUser), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doReq(t, http.MethodGet, app.URL+"/admin/deployment", mustToken(t, auth.RoleSupportStaff), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestClassifyDevice(t *testing.T) {
	app := newTestApp(t, newFakeStore(), nil)
	token := mustToken(t, auth.RoleUser)

	resp := doReq(t, http.MethodPost, app.URL+"/devices/classify", token, map[string]interface{}{
		"serialNumber":    "SN-1",
		"rdpUsername":     "bob",
		"hasIntuneDevice": false,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "thin_client", body["deviceType"])
	assert.True(t, strings.HasPrefix(body["reason"], "Thin Client: "))

	resp = doReq(t, http.MethodPost, app.URL+"/devices/classify", token, map[string]interface{}{
		"vpnPassword": "NA",
		"deviceType":  "full_pc",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &body)
	assert.Equal(t, "full_pc", body["deviceType"])
	assert.Equal(t, "override", body["rule"])

	resp = doReq(t, http.MethodPost, app.URL+"/devices/classify", token, map[string]interface{}{"unexpected": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConsolidatedUsersAndCredentials(t *testing.T) {
	store := newFakeStore()
	seedRecord(store, "alice@x.com", model.ServiceVPN, "alice")
	seedRecord(store, "ALICE@x.com ", model.ServiceRDP, "alice-rdp")
	seedRecord(store, "bob@x.com", model.ServiceRDP, "bob")
	store.records = append(store.records, model.CredentialRecord{ID: uuid.NewString(), Username: "orphan", ServiceType: model.ServiceVPN})
	app := newTestApp(t, store, nil)
	token := mustToken(t, auth.RoleExecutive)

	resp := doReq(t, http.MethodGet, app.URL+"/users/consolidated", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var users []userResponse
	decodeBody(t, resp, &users)
	require.Len(t, users, 2)
	assert.Equal(t, "alice@x.com", users[0].Email)
	assert.Equal(t, "1 VPN + 1 RDP", users[0].CredentialsSummary)
	assert.Equal(t, "1 RDP", users[1].CredentialsSummary)

	resp = doReq(t, http.MethodGet, app.URL+"/users/Alice@X.com/credentials", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var user userResponse
	decodeBody(t, resp, &user)
	assert.True(t, user.HasVPN)
	assert.True(t, user.HasRDP)
	require.Len(t, user.VPNCredentials, 1)
	assert.Equal(t, "alice", user.VPNCredentials[0].Username)

	resp = doReq(t, http.MethodGet, app.URL+"/users/nobody@x.com/credentials", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDevicesEndpoints(t *testing.T) {
	store := newFakeStore()
	seedRecord(store, "vpn@x.com", model.ServiceVPN, "vpn")
	seedRecord(store, "rdp@x.com", model.ServiceRDP, "rdp")
	store.signals = []model.DeviceSignal{
		{Email: "rdp@x.com", AssetTag: strPtr("TAG-7"), SerialNumber: strPtr("SN-7")},
		{Email: "intune@x.com", HasIntuneDevice: true},
	}
	store.changes = []model.DeviceChange{
		{ID: "c1", Email: "rdp@x.com", NewType: "thin_client", Reason: "Thin Client: x", ChangedAt: time.Now().UTC()},
		{ID: "c2", Email: "vpn@x.com", NewType: "full_pc", Reason: "Full PC: x", ChangedAt: time.Now().UTC()},
	}
	app := newTestApp(t, store, nil)
	token := mustToken(t, auth.RoleManager)

	resp := doReq(t, http.MethodGet, app.URL+"/devices", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var devices []deviceResponse
	decodeBody(t, resp, &devices)
	require.Len(t, devices, 3)
	byEmail := make(map[string]deviceResponse)
	for _, d := range devices {
		byEmail[d.Email] = d
	}
	assert.Equal(t, "thin_client", byEmail["rdp@x.com"].DeviceType)
	assert.Equal(t, "TAG-7", *byEmail["rdp@x.com"].AssetTag)
	assert.Equal(t, "full_pc", byEmail["intune@x.com"].DeviceType)
	assert.Equal(t, "No credentials", byEmail["intune@x.com"].CredentialsSummary)
	assert.Equal(t, "Full PC", byEmail["vpn@x.com"].DeviceTypeLabel)

	resp = doReq(t, http.MethodGet, app.URL+"/users/rdp@x.com/device", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &devices)
	require.Len(t, devices, 1)
	assert.Equal(t, "serial_rdp", devices[0].Rule)

	resp = doReq(t, http.MethodGet, app.URL+"/devices/history?email=vpn@x.com", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history []deviceChangeResponse
	decodeBody(t, resp, &history)
	require.Len(t, history, 1)
	assert.Equal(t, "c2", history[0].ID)

	resp = doReq(t, http.MethodGet, app.URL+"/devices/history?limit=zero", token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateAndDeleteCredential(t *testing.T) {
	store := newFakeStore()
	app := newTestApp(t, store, nil)
	token := mustToken(t, auth.RoleSupportStaff)

	resp := doReq(t, http.MethodPost, app.URL+"/credentials", token, map[string]interface{}{
		"username":    "carol",
		"password":    "pw",
		"serviceType": "vpn",
		"email":       " carol@x.com ",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created credentialResponse
	decodeBody(t, resp, &created)
	assert.Equal(t, "VPN", created.ServiceType)
	require.NotNil(t, created.Email)
	assert.Equal(t, "carol@x.com", *created.Email)

	resp = doReq(t, http.MethodPost, app.URL+"/credentials", token, map[string]interface{}{
		"username": "carol", "password": "pw", "serviceType": "ssh",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doReq(t, http.MethodPost, app.URL+"/credentials", token, map[string]interface{}{
		"username": "N/A", "password": "na", "serviceType": "RDP",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	store.createErr = &pgconn.PgError{Code: "23505"}
	resp = doReq(t, http.MethodPost, app.URL+"/credentials", token, map[string]interface{}{
		"username": "carol", "password": "pw", "serviceType": "RDP",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	store.createErr = nil

	resp = doReq(t, http.MethodDelete, app.URL+"/credentials/not-a-uuid", token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doReq(t, http.MethodDelete, app.URL+"/credentials/"+created.ID, token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doReq(t, http.MethodDelete, app.URL+"/credentials/"+created.ID, token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doReq(t, http.MethodPost, app.URL+"/credentials", mustToken(t, auth.RoleCEO), map[string]interface{}{
		"username": "x", "password": "y", "serviceType": "VPN",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestImportCredentials(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := newFakeStore()
	app := newTestApp(t, store, kv.NewGuard(client, "helpdesk"))
	token := mustToken(t, auth.RoleSupportStaff)

	csv := "email,vpn_username,vpn_password,rdp_username,rdp_password,notes\n" +
		"alice@x.com,alice,pw,NA,NA,\n" +
		"bob@x.com,N/A,N/A,bob,pw,desk 4\n" +
		",x,y,,,\n"

	resp := doReq(t, http.MethodPost, app.URL+"/credentials/import", token, csv)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body importResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, "wide", body.Format)
	assert.Equal(t, 2, body.Imported)
	assert.Equal(t, 2, body.Skipped)
	require.Len(t, body.Errors, 1)
	assert.Equal(t, "missing_email", body.Errors[0].Reason)
	assert.Len(t, store.records, 2)

	resp = doReq(t, http.MethodPost, app.URL+"/credentials/import", token, csv)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Len(t, store.records, 2)

	resp = doReq(t, http.MethodPost, app.URL+"/credentials/import", token, "name,secret\nx,y\n")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Rejected uploads release their dedupe key.
	resp = doReq(t, http.MethodPost, app.URL+"/credentials/import", token, "name,secret\nx,y\n")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doReq(t, http.MethodPost, app.URL+"/credentials/import", mustToken(t, auth.RoleManager), csv)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDeploymentStatus(t *testing.T) {
	store := newFakeStore()
	store.report = model.SchemaReport{
		Tables:    map[string]bool{"credentials": true, "hardware_inventory": false},
		Functions: map[string]bool{"get_user_credentials": true},
		CheckedAt: time.Now().UTC(),
	}
	app := newTestApp(t, store, nil)

	resp := doReq(t, http.MethodGet, app.URL+"/admin/deployment", mustToken(t, auth.RoleAdmin), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body deploymentResponse
	decodeBody(t, resp, &body)
	assert.False(t, body.Ready)
	assert.True(t, body.Functions["get_user_credentials"])
	assert.Equal(t, "unknown", body.CredentialsRPC)
}
