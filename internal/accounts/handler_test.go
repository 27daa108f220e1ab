package accounts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/grafixsolutions/portal/internal/auth"
	"github.com/grafixsolutions/portal/internal/telemetry/metrics"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/go-redis/redis_rate/v9"
	"github.com/go-redis/redismock/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const (
	testSessionSecret = "test-session-secret"
	testSessionID     = "test_session_id"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// INFO: https://github.com/go-redis/redis/issues/1029
		goleak.IgnoreTopFunction(
			"github.com/go-redis/redis/v8/internal/pool.(*ConnPool).reaper",
		),
	)
}

// rate limiter that always lets requests through; limiter behavior has
// its own tests in the middleware package
type allowAllLimiter struct{}

func (allowAllLimiter) Allow(_ context.Context, _ string, _ redis_rate.Limit) (*redis_rate.Result, error) {
	return &redis_rate.Result{Allowed: 1}, nil
}

type handlerTestSetup struct {
	handler   *Handler
	router    *mux.Router
	repo      *repoMock
	redisMock redismock.ClientMock
	metrics   *metrics.Manager
	cleanup   func()
}

func newHandlerTestSetup(t *testing.T) *handlerTestSetup {
	t.Helper()

	rdb, redisMock := redismock.NewClientMock()
	sessions := auth.NewService(auth.DefaultTTL, rdb)
	sessions.RandStringFunc = func(s int) (string, error) {
		return testSessionID, nil
	}

	repo := NewMockAccountsRepo()
	m := metrics.NewTestManager()
	handler := NewHandler(NewHandlerParams{
		Repo:          repo,
		Sessions:      sessions,
		Metrics:       m,
		SessionSecret: testSessionSecret,
		SessionTTL:    auth.DefaultTTL,
	})

	router := mux.NewRouter()
	handler.SetupRoutes(router, allowAllLimiter{}, RateLimits{
		LoginAllowed:    5,
		LoginWindow:     15 * time.Minute,
		RegisterAllowed: 3,
		RegisterWindow:  time.Hour,
	})

	return &handlerTestSetup{
		handler:   handler,
		router:    router,
		repo:      repo,
		redisMock: redisMock,
		metrics:   m,
		cleanup: func() {
			_ = rdb.Close()
		},
	}
}

func newRegisterRequest() RegisterRequest {
	return RegisterRequest{
		FullName:      gofakeit.Name(),
		JobRole:       gofakeit.JobTitle(),
		Email:         gofakeit.Email(),
		ContactNumber: gofakeit.Phone(),
		Username:      gofakeit.Username(),
		Password:      gofakeit.Password(true, true, true, false, false, 12),
		AccountType:   "user",
	}
}

func (s *handlerTestSetup) doJSON(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func decodeAPIResponse(t *testing.T, rr *httptest.ResponseRecorder) apiResponse {
	t.Helper()
	var resp apiResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func TestHandleRegister(t *testing.T) {
	setup := newHandlerTestSetup(t)
	defer setup.cleanup()

	registerReq := newRegisterRequest()
	rr := setup.doJSON(t, http.MethodPost, "/api/register", registerReq)

	require.Equal(t, http.StatusCreated, rr.Code)
	resp := decodeAPIResponse(t, rr)
	assert.True(t, resp.Success)
	assert.Equal(t, "account created successfully", resp.Message)
	assert.Equal(t, float64(1), testutil.ToFloat64(setup.metrics.CounterRegistrations))

	stored, err := setup.repo.GetByUsername(context.Background(), AccountTypeUser, registerReq.Username)
	require.NoError(t, err)
	assert.Equal(t, registerReq.FullName, stored.FullName)
	assert.Equal(t, registerReq.Email, stored.Email)
	// only the hash is stored
	assert.NotEqual(t, registerReq.Password, stored.PasswordHash)
	assert.NotEmpty(t, stored.PasswordHash)
}

func TestHandleRegister_adminAccount(t *testing.T) {
	setup := newHandlerTestSetup(t)
	defer setup.cleanup()

	registerReq := newRegisterRequest()
	registerReq.AccountType = "admin"
	rr := setup.doJSON(t, http.MethodPost, "/api/register", registerReq)
	require.Equal(t, http.StatusCreated, rr.Code)

	stored, err := setup.repo.GetByUsername(context.Background(), AccountTypeAdmin, registerReq.Username)
	require.NoError(t, err)
	assert.Equal(t, AccountTypeAdmin, stored.AccountType)

	// the same username never landed in the user table
	_, err = setup.repo.GetByUsername(context.Background(), AccountTypeUser, registerReq.Username)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestHandleRegister_usernameTaken(t *testing.T) {
	setup := newHandlerTestSetup(t)
	defer setup.cleanup()

	registerReq := newRegisterRequest()
	rr := setup.doJSON(t, http.MethodPost, "/api/register", registerReq)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = setup.doJSON(t, http.MethodPost, "/api/register", registerReq)
	require.Equal(t, http.StatusConflict, rr.Code)
	resp := decodeAPIResponse(t, rr)
	assert.False(t, resp.Success)
	assert.Equal(t, "username already exists", resp.Message)
}

func TestHandleRegister_missingFields(t *testing.T) {
	setup := newHandlerTestSetup(t)
	defer setup.cleanup()

	fields := []string{
		"fullName", "jobRole", "email", "contactNumber",
		"username", "password", "accountType",
	}
	for _, missing := range fields {
		t.Run("missing "+missing, func(t *testing.T) {
			registerReq := newRegisterRequest()
			data, err := json.Marshal(registerReq)
			require.NoError(t, err)

			var asMap map[string]any
			require.NoError(t, json.Unmarshal(data, &asMap))
			delete(asMap, missing)

			rr := setup.doJSON(t, http.MethodPost, "/api/register", asMap)
			require.Equal(t, http.StatusBadRequest, rr.Code)
			resp := decodeAPIResponse(t, rr)
			assert.Equal(t, "all fields are required", resp.Message)
		})
	}
}

func TestHandleRegister_invalidAccountType(t *testing.T) {
	setup := newHandlerTestSetup(t)
	defer setup.cleanup()

	registerReq := newRegisterRequest()
	registerReq.AccountType = "superadmin"
	rr := setup.doJSON(t, http.MethodPost, "/api/register", registerReq)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	resp := decodeAPIResponse(t, rr)
	assert.Equal(t, "invalid account type", resp.Message)
}

func TestHandleRegister_invalidJSON(t *testing.T) {
	setup := newHandlerTestSetup(t)
	defer setup.cleanup()

	req := httptest.NewRequest(http.MethodPost, "/api/register", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	setup.router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func registerAccount(t *testing.T, setup *handlerTestSetup) RegisterRequest {
	t.Helper()
	registerReq := newRegisterRequest()
	rr := setup.doJSON(t, http.MethodPost, "/api/register", registerReq)
	require.Equal(t, http.StatusCreated, rr.Code)
	return registerReq
}

func expectSessionCreate(setup *handlerTestSetup) {
	// created_at is stamped inside the handler, match the payload loosely
	setup.redisMock.Regexp().
		ExpectSet(`portal-session\|\|`+testSessionID, `\{"user":.+,"created_at":\d+\}`, auth.DefaultTTL).
		SetVal("OK")
	setup.redisMock.ExpectSAdd("portal-sessions", testSessionID).SetVal(1)
}

func TestHandleLogin(t *testing.T) {
	setup := newHandlerTestSetup(t)
	defer setup.cleanup()

	registerReq := registerAccount(t, setup)
	expectSessionCreate(setup)

	rr := setup.doJSON(t, http.MethodPost, "/api/login", LoginRequest{
		Username: registerReq.Username,
		Password: registerReq.Password,
	})

	require.Equal(t, http.StatusOK, rr.Code)
	resp := decodeAPIResponse(t, rr)
	assert.True(t, resp.Success)
	require.NotNil(t, resp.User)
	assert.Equal(t, registerReq.Username, resp.User.Username)
	assert.Equal(t, registerReq.Email, resp.User.Email)
	assert.Equal(t, "user", resp.User.AccountType)

	cookies := rr.Result().Cookies()
	require.Len(t, cookies, 1)
	sessionCookie := cookies[0]
	assert.Equal(t, auth.SessionCookieName, sessionCookie.Name)
	assert.True(t, sessionCookie.HttpOnly)

	sessionID, ok := auth.VerifySessionCookieValue(sessionCookie.Value, testSessionSecret)
	require.True(t, ok)
	assert.Equal(t, testSessionID, sessionID)

	assert.Equal(t, float64(1), testutil.ToFloat64(setup.metrics.CounterLogins))
	require.NoError(t, setup.redisMock.ExpectationsWereMet())
}

func TestHandleLogin_formEncoded(t *testing.T) {
	setup := newHandlerTestSetup(t)
	defer setup.cleanup()

	registerReq := registerAccount(t, setup)
	expectSessionCreate(setup)

	form := url.Values{}
	form.Set("username", registerReq.Username)
	form.Set("password", registerReq.Password)
	req := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	setup.router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	resp := decodeAPIResponse(t, rr)
	assert.True(t, resp.Success)
}

func TestHandleLogin_wrongPassword(t *testing.T) {
	setup := newHandlerTestSetup(t)
	defer setup.cleanup()

	registerReq := registerAccount(t, setup)

	rr := setup.doJSON(t, http.MethodPost, "/api/login", LoginRequest{
		Username: registerReq.Username,
		Password: "not-the-password",
	})

	require.Equal(t, http.StatusUnauthorized, rr.Code)
	resp := decodeAPIResponse(t, rr)
	assert.False(t, resp.Success)
	assert.Equal(t, "invalid username or password", resp.Message)
	assert.Empty(t, rr.Result().Cookies())
	assert.Equal(t, float64(1), testutil.ToFloat64(setup.metrics.CounterFailedLogins))
}

func TestHandleLogin_unknownUser(t *testing.T) {
	setup := newHandlerTestSetup(t)
	defer setup.cleanup()

	rr := setup.doJSON(t, http.MethodPost, "/api/login", LoginRequest{
		Username: "who_is_this",
		Password: "some-password",
	})

	require.Equal(t, http.StatusUnauthorized, rr.Code)
	resp := decodeAPIResponse(t, rr)
	// exact same message as a wrong password
	assert.Equal(t, "invalid username or password", resp.Message)
}

func TestHandleLogin_adminAccount(t *testing.T) {
	setup := newHandlerTestSetup(t)
	defer setup.cleanup()

	registerReq := newRegisterRequest()
	registerReq.AccountType = "admin"
	rr := setup.doJSON(t, http.MethodPost, "/api/register", registerReq)
	require.Equal(t, http.StatusCreated, rr.Code)

	expectSessionCreate(setup)
	rr = setup.doJSON(t, http.MethodPost, "/api/login", LoginRequest{
		Username: registerReq.Username,
		Password: registerReq.Password,
	})

	require.Equal(t, http.StatusOK, rr.Code)
	resp := decodeAPIResponse(t, rr)
	require.NotNil(t, resp.User)
	assert.Equal(t, "admin", resp.User.AccountType)
}

func TestHandleLogin_missingFields(t *testing.T) {
	setup := newHandlerTestSetup(t)
	defer setup.cleanup()

	rr := setup.doJSON(t, http.MethodPost, "/api/login", LoginRequest{Username: "alice"})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	resp := decodeAPIResponse(t, rr)
	assert.Equal(t, "all fields are required", resp.Message)
}

func sessionRecordJSON(t *testing.T, user auth.SessionUser, createdAt time.Time) string {
	t.Helper()
	userData, err := json.Marshal(user)
	require.NoError(t, err)
	return fmt.Sprintf(`{"user":%s,"created_at":%d}`, userData, createdAt.Unix())
}

func TestHandleProfile(t *testing.T) {
	setup := newHandlerTestSetup(t)
	defer setup.cleanup()

	sessionUser := auth.SessionUser{
		ID:          1,
		Username:    "alice",
		Email:       "alice@example.com",
		FullName:    "Alice Doe",
		JobRole:     "designer",
		AccountType: "user",
	}
	setup.redisMock.ExpectGet("portal-session||" + testSessionID).
		SetVal(sessionRecordJSON(t, sessionUser, time.Now()))

	req := httptest.NewRequest(http.MethodGet, "/api/profile", nil)
	req.AddCookie(auth.NewSessionCookie(testSessionID, testSessionSecret, auth.DefaultTTL, false))
	rr := httptest.NewRecorder()
	setup.router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	resp := decodeAPIResponse(t, rr)
	assert.True(t, resp.Success)
	require.NotNil(t, resp.User)
	assert.Equal(t, sessionUser, *resp.User)
	require.NoError(t, setup.redisMock.ExpectationsWereMet())
}

func TestHandleProfile_noSession(t *testing.T) {
	setup := newHandlerTestSetup(t)
	defer setup.cleanup()

	req := httptest.NewRequest(http.MethodGet, "/api/profile", nil)
	rr := httptest.NewRecorder()
	setup.router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusUnauthorized, rr.Code)
	resp := decodeAPIResponse(t, rr)
	assert.Equal(t, "unauthorized, please log in", resp.Message)
}

func TestHandleProfile_unknownSession(t *testing.T) {
	setup := newHandlerTestSetup(t)
	defer setup.cleanup()

	setup.redisMock.ExpectGet("portal-session||" + testSessionID).RedisNil()

	req := httptest.NewRequest(http.MethodGet, "/api/profile", nil)
	req.AddCookie(auth.NewSessionCookie(testSessionID, testSessionSecret, auth.DefaultTTL, false))
	rr := httptest.NewRecorder()
	setup.router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHandleLogout(t *testing.T) {
	setup := newHandlerTestSetup(t)
	defer setup.cleanup()

	setup.redisMock.ExpectDel("portal-session||" + testSessionID).SetVal(1)
	setup.redisMock.ExpectSRem("portal-sessions", testSessionID).SetVal(1)

	req := httptest.NewRequest(http.MethodPost, "/api/logout", nil)
	req.AddCookie(auth.NewSessionCookie(testSessionID, testSessionSecret, auth.DefaultTTL, false))
	rr := httptest.NewRecorder()
	setup.router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	resp := decodeAPIResponse(t, rr)
	assert.True(t, resp.Success)
	assert.Equal(t, "logged out successfully", resp.Message)

	cookies := rr.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, auth.SessionCookieName, cookies[0].Name)
	assert.Equal(t, -1, cookies[0].MaxAge)
	require.NoError(t, setup.redisMock.ExpectationsWereMet())
}

func TestHandleLogout_withoutSession(t *testing.T) {
	setup := newHandlerTestSetup(t)
	defer setup.cleanup()

	// logout with no cookie still succeeds and clears the cookie
	req := httptest.NewRequest(http.MethodPost, "/api/logout", nil)
	rr := httptest.NewRecorder()
	setup.router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	resp := decodeAPIResponse(t, rr)
	assert.True(t, resp.Success)
}

func TestAccountLifecycle(t *testing.T) {
	setup := newHandlerTestSetup(t)
	defer setup.cleanup()

	registerReq := registerAccount(t, setup)

	// wrong password first
	rr := setup.doJSON(t, http.MethodPost, "/api/login", LoginRequest{
		Username: registerReq.Username,
		Password: "nope",
	})
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	// then the real one
	expectSessionCreate(setup)
	rr = setup.doJSON(t, http.MethodPost, "/api/login", LoginRequest{
		Username: registerReq.Username,
		Password: registerReq.Password,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	cookies := rr.Result().Cookies()
	require.Len(t, cookies, 1)
	sessionCookie := cookies[0]

	loginResp := decodeAPIResponse(t, rr)
	require.NotNil(t, loginResp.User)

	// profile comes back from the session
	setup.redisMock.ExpectGet("portal-session||" + testSessionID).
		SetVal(sessionRecordJSON(t, *loginResp.User, time.Now()))
	req := httptest.NewRequest(http.MethodGet, "/api/profile", nil)
	req.AddCookie(sessionCookie)
	rr = httptest.NewRecorder()
	setup.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	profileResp := decodeAPIResponse(t, rr)
	require.NotNil(t, profileResp.User)
	assert.Equal(t, registerReq.Username, profileResp.User.Username)

	// logout drops the session
	setup.redisMock.ExpectDel("portal-session||" + testSessionID).SetVal(1)
	setup.redisMock.ExpectSRem("portal-sessions", testSessionID).SetVal(1)
	req = httptest.NewRequest(http.MethodPost, "/api/logout", nil)
	req.AddCookie(sessionCookie)
	rr = httptest.NewRecorder()
	setup.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	// the old cookie is now worthless
	setup.redisMock.ExpectGet("portal-session||" + testSessionID).RedisNil()
	req = httptest.NewRequest(http.MethodGet, "/api/profile", nil)
	req.AddCookie(sessionCookie)
	rr = httptest.NewRecorder()
	setup.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	require.NoError(t, setup.redisMock.ExpectationsWereMet())
}
