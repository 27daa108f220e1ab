package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/grafixsolutions/portal/internal/auth"
	"github.com/grafixsolutions/portal/internal/middleware"
	"github.com/grafixsolutions/portal/internal/telemetry/metrics"
	"github.com/grafixsolutions/portal/internal/telemetry/tracing"
	"github.com/grafixsolutions/portal/pkg"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// messages sent to clients; kept generic so nothing about accounts or
// internals leaks out
const (
	msgFieldsRequired     = "all fields are required"
	msgInvalidAccountType = "invalid account type"
	msgUsernameTaken      = "username already exists"
	msgInvalidCredentials = "invalid username or password"
	msgUnauthorized       = "unauthorized, please log in"
	msgServerError        = "server error, try again later"
	msgAccountCreated     = "account created successfully"
	msgLoggedOut          = "logged out successfully"
)

type accountsRepo interface {
	GetByUsername(ctx context.Context, accountType AccountType, username string) (*Account, error)
	UsernameExists(ctx context.Context, accountType AccountType, username string) (bool, error)
	Add(ctx context.Context, account *Account) (*Account, error)
}

var _ accountsRepo = (*Repo)(nil)
var _ accountsRepo = (*repoMock)(nil)

type RegisterRequest struct {
	FullName      string `json:"fullName"`
	JobRole       string `json:"jobRole"`
	Email         string `json:"email"`
	ContactNumber string `json:"contactNumber"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	AccountType   string `json:"accountType"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type apiResponse struct {
	Success bool              `json:"success"`
	Message string            `json:"message,omitempty"`
	User    *auth.SessionUser `json:"user,omitempty"`
}

type Handler struct {
	repo          accountsRepo
	sessions      *auth.Service
	metrics       *metrics.Manager
	sessionSecret string
	sessionTTL    time.Duration
	secureCookies bool
}

type NewHandlerParams struct {
	Repo          accountsRepo
	Sessions      *auth.Service
	Metrics       *metrics.Manager
	SessionSecret string
	SessionTTL    time.Duration
	SecureCookies bool
}

func NewHandler(params NewHandlerParams) *Handler {
	return &Handler{
		repo:          params.Repo,
		sessions:      params.Sessions,
		metrics:       params.Metrics,
		sessionSecret: params.SessionSecret,
		sessionTTL:    params.SessionTTL,
		secureCookies: params.SecureCookies,
	}
}

type RateLimits struct {
	LoginAllowed    int
	LoginWindow     time.Duration
	RegisterAllowed int
	RegisterWindow  time.Duration
}

func (handler *Handler) SetupRoutes(
	mainRouter *mux.Router,
	rateLimiter middleware.RequestRateLimiter,
	limits RateLimits,
) {
	apiRouter := mainRouter.PathPrefix("/api").Subrouter()

	registerRouter := apiRouter.PathPrefix("/register").Subrouter()
	registerRouter.HandleFunc("", handler.HandleRegister).Methods("POST", "OPTIONS").Name("register")
	registerRouter.Use(middleware.RateLimit(
		rateLimiter, "register",
		limits.RegisterAllowed, limits.RegisterWindow,
		handler.metrics,
	))

	loginRouter := apiRouter.PathPrefix("/login").Subrouter()
	loginRouter.HandleFunc("", handler.HandleLogin).Methods("POST", "OPTIONS").Name("login")
	loginRouter.Use(middleware.RateLimit(
		rateLimiter, "login",
		limits.LoginAllowed, limits.LoginWindow,
		handler.metrics,
	))

	apiRouter.HandleFunc("/profile", handler.HandleProfile).Methods("GET", "OPTIONS").Name("profile")
	apiRouter.HandleFunc("/logout", handler.HandleLogout).Methods("POST", "OPTIONS").Name("logout")
}

func (handler *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "accountsHandler.register")
	defer span.End()

	if r.Method == http.MethodOptions {
		w.Header().Add("Allow", "POST, OPTIONS")
		w.WriteHeader(http.StatusOK)
		return
	}

	var registerReq RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&registerReq); err != nil {
		log.Errorf("register, unmarshal json params: %s", err)
		writeAPIResponse(w, http.StatusBadRequest, apiResponse{Message: msgFieldsRequired})
		return
	}

	// fail fast, nothing touches the store before validation passes
	if registerReq.FullName == "" || registerReq.JobRole == "" || registerReq.Email == "" ||
		registerReq.ContactNumber == "" || registerReq.Username == "" ||
		registerReq.Password == "" || registerReq.AccountType == "" {
		writeAPIResponse(w, http.StatusBadRequest, apiResponse{Message: msgFieldsRequired})
		return
	}

	accountType, err := ParseAccountType(registerReq.AccountType)
	if err != nil {
		writeAPIResponse(w, http.StatusBadRequest, apiResponse{Message: msgInvalidAccountType})
		return
	}
	span.SetAttributes(attribute.String("account.type", string(accountType)))

	exists, err := handler.repo.UsernameExists(ctx, accountType, registerReq.Username)
	if err != nil {
		log.Errorf("register, check username %s: %s", registerReq.Username, err)
		span.SetStatus(codes.Error, "check-username-failed")
		writeAPIResponse(w, http.StatusInternalServerError, apiResponse{Message: msgServerError})
		return
	}
	if exists {
		writeAPIResponse(w, http.StatusConflict, apiResponse{Message: msgUsernameTaken})
		return
	}

	passwordHash, err := pkg.HashPassword(registerReq.Password)
	if err != nil {
		log.Errorf("register, hash password: %s", err)
		span.SetStatus(codes.Error, "hash-password-failed")
		writeAPIResponse(w, http.StatusInternalServerError, apiResponse{Message: msgServerError})
		return
	}

	account := &Account{
		FullName:      registerReq.FullName,
		JobRole:       registerReq.JobRole,
		ContactNumber: registerReq.ContactNumber,
		Username:      registerReq.Username,
		PasswordHash:  passwordHash,
		Email:         registerReq.Email,
		AccountType:   accountType,
	}

	if _, err := handler.repo.Add(ctx, account); err != nil {
		// two concurrent registrations: the store constraint rejects
		// the second insert, not a server error
		if errors.Is(err, ErrUsernameTaken) {
			writeAPIResponse(w, http.StatusConflict, apiResponse{Message: msgUsernameTaken})
			return
		}
		log.Errorf("register, add account %s: %s", registerReq.Username, err)
		span.SetStatus(codes.Error, "add-account-failed")
		writeAPIResponse(w, http.StatusInternalServerError, apiResponse{Message: msgServerError})
		return
	}

	handler.metrics.CounterRegistrations.Inc()
	span.SetStatus(codes.Ok, "account-created")

	log.Printf("new %s account created: %s [%d]", account.AccountType, account.Username, account.ID)
	writeAPIResponse(w, http.StatusCreated, apiResponse{Success: true, Message: msgAccountCreated})
}

func (handler *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "accountsHandler.login")
	defer span.End()

	if r.Method == http.MethodOptions {
		w.Header().Add("Allow", "POST, OPTIONS")
		w.WriteHeader(http.StatusOK)
		return
	}

	var loginReq LoginRequest
	if r.Header.Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&loginReq); err != nil {
			log.Errorf("login, unmarshal json params: %s", err)
			writeAPIResponse(w, http.StatusBadRequest, apiResponse{Message: msgFieldsRequired})
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			log.Errorf("login failed, parse form error: %s", err)
			writeAPIResponse(w, http.StatusBadRequest, apiResponse{Message: msgFieldsRequired})
			return
		}
		loginReq = LoginRequest{
			Username: r.Form.Get("username"),
			Password: r.Form.Get("password"),
		}
	}

	if loginReq.Username == "" || loginReq.Password == "" {
		writeAPIResponse(w, http.StatusBadRequest, apiResponse{Message: msgFieldsRequired})
		return
	}

	// user table checked first, first match wins
	account, err := handler.repo.GetByUsername(ctx, AccountTypeUser, loginReq.Username)
	if errors.Is(err, ErrAccountNotFound) {
		account, err = handler.repo.GetByUsername(ctx, AccountTypeAdmin, loginReq.Username)
	}
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			// same response as a wrong password, usernames stay unguessable
			log.Tracef("[username] failed login attempt for user: %s", loginReq.Username)
			handler.metrics.CounterFailedLogins.Inc()
			writeAPIResponse(w, http.StatusUnauthorized, apiResponse{Message: msgInvalidCredentials})
			return
		}
		log.Errorf("login, get account %s: %s", loginReq.Username, err)
		span.SetStatus(codes.Error, "get-account-failed")
		writeAPIResponse(w, http.StatusInternalServerError, apiResponse{Message: msgServerError})
		return
	}

	if !pkg.CheckPasswordHash(loginReq.Password, account.PasswordHash) {
		log.Tracef("[password] failed login attempt for user: %s", loginReq.Username)
		handler.metrics.CounterFailedLogins.Inc()
		writeAPIResponse(w, http.StatusUnauthorized, apiResponse{Message: msgInvalidCredentials})
		return
	}

	sessionUser := account.SessionUser()
	sessionID, err := handler.sessions.Create(ctx, sessionUser, time.Now())
	if err != nil {
		log.Errorf("login, create session for %s: %s", loginReq.Username, err)
		span.SetStatus(codes.Error, "create-session-failed")
		writeAPIResponse(w, http.StatusInternalServerError, apiResponse{Message: msgServerError})
		return
	}

	http.SetCookie(w, auth.NewSessionCookie(sessionID, handler.sessionSecret, handler.sessionTTL, handler.secureCookies))

	handler.metrics.CounterLogins.Inc()
	span.SetStatus(codes.Ok, "logged-in")

	log.Tracef("new login success: %s [%s]", account.Username, account.AccountType)
	writeAPIResponse(w, http.StatusOK, apiResponse{Success: true, User: &sessionUser})
}

func (handler *Handler) HandleProfile(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "accountsHandler.profile")
	defer span.End()

	sessionID, ok := auth.ReadSessionID(r, handler.sessionSecret)
	if !ok {
		writeAPIResponse(w, http.StatusUnauthorized, apiResponse{Message: msgUnauthorized})
		return
	}

	// the profile comes straight from the session, no account re-query
	user, err := handler.sessions.Resolve(ctx, sessionID)
	if err != nil {
		if errors.Is(err, auth.ErrSessionNotFound) {
			writeAPIResponse(w, http.StatusUnauthorized, apiResponse{Message: msgUnauthorized})
			return
		}
		log.Errorf("profile, resolve session: %s", err)
		span.SetStatus(codes.Error, "resolve-session-failed")
		writeAPIResponse(w, http.StatusInternalServerError, apiResponse{Message: msgServerError})
		return
	}

	writeAPIResponse(w, http.StatusOK, apiResponse{Success: true, User: user})
}

func (handler *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "accountsHandler.logout")
	defer span.End()

	if r.Method == http.MethodOptions {
		w.Header().Add("Allow", "POST, OPTIONS")
		w.WriteHeader(http.StatusOK)
		return
	}

	if sessionID, ok := auth.ReadSessionID(r, handler.sessionSecret); ok {
		if err := handler.sessions.Destroy(ctx, sessionID); err != nil {
			// logout always reports success, the sweeper picks up leftovers
			log.Errorf("logout, destroy session: %s", err)
			span.SetStatus(codes.Error, "destroy-session-failed")
		}
	}

	http.SetCookie(w, auth.ExpiredSessionCookie(handler.secureCookies))
	writeAPIResponse(w, http.StatusOK, apiResponse{Success: true, Message: msgLoggedOut})
}

func writeAPIResponse(w http.ResponseWriter, statusCode int, resp apiResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Errorf("marshal api response: %s", err)
		http.Error(w, msgServerError, http.StatusInternalServerError)
		return
	}
	pkg.WriteJSONResponse(w, statusCode, data)
}
