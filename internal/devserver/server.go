// Package devserver is an in-process fake of the authentication backend. It issues HS256 access
// tokens and rotating refresh tokens, and can be told to revoke or fail them.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/getlantern/authkeeper/common"
)

const (
	DefaultEmail    = "demo@example.com"
	DefaultPassword = "password"
)

type Options struct {
	// Secret signs the access tokens. A random one is used when empty.
	Secret    []byte
	AccessTTL time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

type account struct {
	profile  common.Profile
	password string
	bio      string
}

type claims struct {
	jwt.RegisteredClaims
	Epoch int64 `json:"epoch"`
}

type Server struct {
	engine    *gin.Engine
	secret    []byte
	now       func() time.Time
	accessTTL atomic.Int64

	mu       sync.Mutex
	accounts map[string]*account // by email
	refresh  map[string]string   // refresh token -> email

	// epoch invalidates every access token issued before it changed.
	epoch        atomic.Int64
	refreshes    atomic.Int32
	failRefresh  atomic.Bool
	refreshDelay atomic.Int64
	hits         sync.Map // path -> *atomic.Int32
}

func New(opts Options) *Server {
	if len(opts.Secret) == 0 {
		opts.Secret = []byte(uuid.NewString())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = 15 * time.Minute
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine:   gin.New(),
		secret:   opts.Secret,
		now:      opts.Now,
		accounts: make(map[string]*account),
		refresh:  make(map[string]string),
	}
	s.accessTTL.Store(int64(opts.AccessTTL))
	s.AddUser("Demo User", DefaultEmail, DefaultPassword, "user")

	s.engine.Use(gin.Recovery(), s.count)
	api := s.engine.Group("/api")
	api.POST("/auth/login", s.login)
	api.POST("/auth/register", s.register)
	api.POST("/auth/refresh", s.refreshToken)
	api.POST("/auth/validate-token", s.validateToken)

	authed := api.Group("", s.authenticate)
	authed.POST("/auth/logout", s.logout)
	authed.GET("/users/me", s.me)
	authed.PUT("/users/profile", s.updateProfile)
	authed.GET("/items", s.items)
	return s
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve serves the API on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv := &http.Server{Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	slog.Info("Dev server listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// AddUser creates an account and returns its profile.
func (s *Server) AddUser(name, email, password, role string) common.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := &account{
		profile:  common.Profile{ID: uuid.NewString(), Name: name, Email: email, Role: role},
		password: password,
	}
	s.accounts[email] = a
	return a.profile
}

// SetAccessTTL changes the lifetime of access tokens issued from now on.
func (s *Server) SetAccessTTL(d time.Duration) {
	s.accessTTL.Store(int64(d))
}

// RevokeAccessTokens makes the server reject every access token issued so far, whatever its
// expiry says.
func (s *Server) RevokeAccessTokens() {
	s.epoch.Add(1)
}

// FailRefresh makes refresh exchanges fail with 401.
func (s *Server) FailRefresh(fail bool) {
	s.failRefresh.Store(fail)
}

// SetRefreshDelay delays every refresh exchange by d.
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.refreshDelay.Store(int64(d))
}

// Refreshes returns the number of refresh exchanges received.
func (s *Server) Refreshes() int {
	return int(s.refreshes.Load())
}

// Hits returns the number of requests received for path.
func (s *Server) Hits(path string) int {
	if v, ok := s.hits.Load(path); ok {
		return int(v.(*atomic.Int32).Load())
	}
	return 0
}

func (s *Server) count(c *gin.Context) {
	v, _ := s.hits.LoadOrStore(c.Request.URL.Path, new(atomic.Int32))
	v.(*atomic.Int32).Add(1)
	c.Next()
}

func (s *Server) issue(email string) (gin.H, error) {
	now := s.now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(s.accessTTL.Load()))),
		},
		Epoch: s.epoch.Load(),
	})
	access, err := tok.SignedString(s.secret)
	if err != nil {
		return nil, err
	}
	refresh := uuid.NewString()
	s.refresh[refresh] = email
	return gin.H{"accessToken": access, "refreshToken": refresh}, nil
}

func (s *Server) parse(raw string) (*claims, error) {
	c := &claims{}
	_, err := jwt.ParseWithClaims(raw, c, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}
	if c.Epoch != s.epoch.Load() {
		return nil, errors.New("token revoked")
	}
	return c, nil
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"message": msg})
}

func (s *Server) authenticate(c *gin.Context) {
	raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || raw == "" {
		abort(c, http.StatusUnauthorized, "missing token")
		return
	}
	cl, err := s.parse(raw)
	if err != nil {
		abort(c, http.StatusUnauthorized, "invalid token")
		return
	}
	s.mu.Lock()
	a := s.accounts[cl.Subject]
	s.mu.Unlock()
	if a == nil {
		abort(c, http.StatusUnauthorized, "unknown user")
		return
	}
	c.Set("email", cl.Subject)
	c.Next()
}

func (s *Server) login(c *gin.Context) {
	var req common.Credentials
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" || req.Password == "" {
		abort(c, http.StatusBadRequest, "email and password are required")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.accounts[req.Email]
	if a == nil || a.password != req.Password {
		abort(c, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	body, err := s.issue(a.profile.Email)
	if err != nil {
		abort(c, http.StatusInternalServerError, err.Error())
		return
	}
	body["user"] = a.profile
	c.JSON(http.StatusOK, body)
}

func (s *Server) register(c *gin.Context) {
	var req common.Registration
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "malformed request")
		return
	}
	fields := map[string][]string{}
	if req.Name == "" {
		fields["name"] = append(fields["name"], "is required")
	}
	if req.Email == "" {
		fields["email"] = append(fields["email"], "is required")
	}
	if len(req.Password) < 8 {
		fields["password"] = append(fields["password"], "must be at least 8 characters")
	}
	if len(fields) > 0 {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"message": "Validation failed", "errors": fields})
		return
	}
	s.mu.Lock()
	if _, exists := s.accounts[req.Email]; exists {
		s.mu.Unlock()
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"message": "Email already registered",
			"errors":  gin.H{"email": []string{"already registered"}},
		})
		return
	}
	s.mu.Unlock()
	s.AddUser(req.Name, req.Email, req.Password, "user")

	s.mu.Lock()
	defer s.mu.Unlock()
	body, err := s.issue(req.Email)
	if err != nil {
		abort(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusCreated, body)
}

func (s *Server) refreshToken(c *gin.Context) {
	s.refreshes.Add(1)
	if d := time.Duration(s.refreshDelay.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-c.Request.Context().Done():
			return
		}
	}
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		abort(c, http.StatusBadRequest, "refreshToken is required")
		return
	}
	if s.failRefresh.Load() {
		abort(c, http.StatusUnauthorized, "Invalid refresh token")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	email, ok := s.refresh[req.RefreshToken]
	if !ok {
		abort(c, http.StatusUnauthorized, "Invalid refresh token")
		return
	}
	// refresh tokens are single use
	delete(s.refresh, req.RefreshToken)
	body, err := s.issue(email)
	if err != nil {
		abort(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "message": "", "data": body})
}

func (s *Server) validateToken(c *gin.Context) {
	var req struct {
		Token string `json:"token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "token is required")
		return
	}
	_, err := s.parse(req.Token)
	c.JSON(http.StatusOK, gin.H{"valid": err == nil})
}

func (s *Server) logout(c *gin.Context) {
	email := c.GetString("email")
	s.mu.Lock()
	for tok, owner := range s.refresh {
		if owner == email {
			delete(s.refresh, tok)
		}
	}
	s.mu.Unlock()
	c.Status(http.StatusNoContent)
}

func (s *Server) me(c *gin.Context) {
	s.mu.Lock()
	p := s.accounts[c.GetString("email")].profile
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "data": p})
}

func (s *Server) updateProfile(c *gin.Context) {
	var req common.ProfileUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "malformed request")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.accounts[c.GetString("email")]
	if req.Name != "" {
		a.profile.Name = req.Name
	}
	if req.Role != "" {
		a.profile.Role = req.Role
	}
	a.bio = req.Bio
	c.JSON(http.StatusOK, a.profile)
}

func (s *Server) items(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"items": []string{"alpha", "beta", "gamma"}})
}
