package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/valiyev-777/Speaking/internal/domain"
)

// Server bundles the HTTP surface: auth, user listing, stats and the
// websocket match endpoint.
type Server struct {
	users  *UserStore
	tokens *TokenIssuer
	hub    *Hub
	signal *SignalController
}

func NewServer(users *UserStore, tokens *TokenIssuer, hub *Hub, signal *SignalController) *Server {
	return &Server{users: users, tokens: tokens, hub: hub, signal: signal}
}

func (s *Server) SetupRouter(mode string) *gin.Engine {
	gin.SetMode(mode)
	router := gin.New()
	router.Use(gin.Recovery())

	auth := router.Group("/auth")
	{
		auth.POST("/register", s.handleRegister)
		auth.POST("/login", s.handleLogin)
		auth.GET("/me", s.requireAuth, s.handleMe)
	}

	router.GET("/users", s.requireAuth, s.handleUsers)
	router.GET("/stats/online", s.handleOnlineStats)
	router.GET("/ws/match/:user_id", s.signal.HandleSignal)

	return router
}

type registerRequest struct {
	Email    string  `json:"email" binding:"required"`
	Password string  `json:"password" binding:"required"`
	Username string  `json:"username" binding:"required"`
	Level    float64 `json:"current_level"`
}

type authResponse struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	User        *domain.User `json:"user"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	if req.Level == 0 {
		req.Level = 6.0
	}
	user, err := s.users.Register(req.Email, req.Password, req.Username, req.Level)
	if err != nil {
		status := http.StatusBadRequest
		if err == ErrEmailTaken {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"detail": err.Error()})
		return
	}
	s.issueToken(c, user)
}

// handleLogin accepts the form-urlencoded credential pair; the username
// field carries the email address.
func (s *Server) handleLogin(c *gin.Context) {
	email := c.PostForm("username")
	password := c.PostForm("password")
	if email == "" || password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "username and password required"})
		return
	}
	user, err := s.users.Authenticate(email, password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"detail": err.Error()})
		return
	}
	s.issueToken(c, user)
}

func (s *Server) issueToken(c *gin.Context, user *domain.User) {
	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		log.Error().Err(err).Str("module", "server.http").Msg("issue token")
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "token issue failed"})
		return
	}
	c.JSON(http.StatusOK, authResponse{AccessToken: token, TokenType: "bearer", User: user})
}

const ctxUserID = "user_id"

func (s *Server) requireAuth(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "missing bearer token"})
		return
	}
	uid, err := s.tokens.Verify(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "invalid token"})
		return
	}
	c.Set(ctxUserID, uid)
	c.Next()
}

func (s *Server) handleMe(c *gin.Context) {
	uid := c.MustGet(ctxUserID).(domain.UserID)
	user, err := s.users.Get(uid)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, user)
}

func (s *Server) handleUsers(c *gin.Context) {
	if c.Query("online_only") == "true" {
		c.JSON(http.StatusOK, s.hub.OnlineUsers())
		return
	}
	c.JSON(http.StatusOK, s.users.All())
}

func (s *Server) handleOnlineStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"online": s.hub.OnlineCount()})
}
