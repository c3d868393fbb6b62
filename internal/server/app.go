package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"kudiassist/backend/internal/config"
)

const (
	roleOwner  = "OWNER"
	roleAdmin  = "ADMIN"
	roleMember = "MEMBER"
)

var (
	readRoles = map[string]struct{}{
		roleOwner:  {},
		roleAdmin:  {},
		roleMember: {},
	}
	writeRoles = map[string]struct{}{
		roleOwner: {},
		roleAdmin: {},
	}
)

type dbQuerier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

type App struct {
	cfg     config.Config
	db      *pgxpool.Pool
	ai      AIClient
	limiter RateLimiter
}

type AuthUser struct {
	ID          string
	Provider    string
	ProviderUID *string
	Phone       *string
	Name        string
}

func New(cfg config.Config, db *pgxpool.Pool) *App {
	return &App{
		cfg: cfg,
		db:  db,
		ai:  NewOpenAIChatClient(cfg),
		limiter: NewSlidingWindowLimiter(
			cfg.RateLimitQuota,
			time.Duration(cfg.RateLimitWindowSec)*time.Second,
		),
	}
}

// NewWithClients lets tests swap the AI provider and rate limiter.
func NewWithClients(cfg config.Config, db *pgxpool.Pool, ai AIClient, limiter RateLimiter) *App {
	return &App{cfg: cfg, db: db, ai: ai, limiter: limiter}
}

func (a *App) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     a.cfg.CORSAllowOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", a.health)

	api := router.Group(a.cfg.APIPrefix)
	api.Use(a.authMiddleware())

	api.POST("/assistant/chat", a.assistantChat)
	api.POST("/assistant/organizations/:org_id/chat", a.assistantOrgChat)
	api.GET("/assistant/organizations/:org_id/chat", a.assistantOrgProbe)
	api.GET("/assistant/sessions", a.listChatSessions)
	api.GET("/assistant/sessions/:session_id", a.getChatSession)
	api.PATCH("/assistant/sessions/:session_id", a.updateChatSession)
	api.DELETE("/assistant/sessions/:session_id", a.deleteChatSession)

	api.POST("/expenses", a.createExpense)
	api.GET("/expenses", a.listExpenses)
	api.PATCH("/expenses/:expense_id/status", a.updateExpenseStatus)
	api.POST("/income", a.createIncome)
	api.GET("/income", a.listIncome)

	api.POST("/organizations", a.createOrganization)
	api.GET("/organizations", a.listOrganizations)

	return router
}

func (a *App) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "kudiassist-api",
	})
}

func (a *App) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			writeError(c, http.StatusUnauthorized, "Bearer token required")
			return
		}
		tokenString := strings.TrimSpace(authHeader[len("Bearer "):])
		if tokenString == "" {
			writeError(c, http.StatusUnauthorized, "Bearer token required")
			return
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
			if token.Method == nil || token.Method.Alg() != a.cfg.JWTAlgorithm {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(a.cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			writeError(c, http.StatusUnauthorized, "Invalid bearer token")
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			writeError(c, http.StatusUnauthorized, "Invalid token payload")
			return
		}
		if a.cfg.JWTAudience != "" && !claimHasAudience(claims["aud"], a.cfg.JWTAudience) {
			writeError(c, http.StatusUnauthorized, "Invalid token audience")
			return
		}
		if a.cfg.JWTIssuer != "" {
			issuer, _ := claims["iss"].(string)
			if issuer != a.cfg.JWTIssuer {
				writeError(c, http.StatusUnauthorized, "Invalid token issuer")
				return
			}
		}
		sub, _ := claims["sub"].(string)
		sub = strings.TrimSpace(sub)
		if sub == "" {
			writeError(c, http.StatusUnauthorized, "Token subject missing")
			return
		}

		user, err := a.getOrCreateUser(c.Request.Context(), sub, claims)
		if err != nil {
			writeError(c, http.StatusUnauthorized, err.Error())
			return
		}

		c.Set("authUser", user)
		c.Next()
	}
}

func claimHasAudience(value any, audience string) bool {
	switch v := value.(type) {
	case string:
		return v == audience
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == audience {
				return true
			}
		}
	case []string:
		for _, item := range v {
			if item == audience {
				return true
			}
		}
	}
	return false
}

func providerFromClaim(raw any) string {
	if s, ok := raw.(string); ok {
		switch s {
		case "apple", "google", "phone":
			return s
		}
	}
	return "phone"
}

func toOptionalString(raw any) *string {
	if s, ok := raw.(string); ok {
		trimmed := strings.TrimSpace(s)
		if trimmed != "" {
			return &trimmed
		}
	}
	return nil
}

func (a *App) getOrCreateUser(ctx context.Context, userID string, claims jwt.MapClaims) (AuthUser, error) {
	user := AuthUser{}
	var providerUID *string
	var phone *string

	err := a.db.QueryRow(
		ctx,
		`SELECT id, provider, "providerUid", phone, name FROM "User" WHERE id = $1`,
		userID,
	).Scan(&user.ID, &user.Provider, &providerUID, &phone, &user.Name)
	if err == nil {
		user.ProviderUID = providerUID
		user.Phone = phone
		return user, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return AuthUser{}, err
	}
	if !a.cfg.AuthAutoCreateUser {
		return AuthUser{}, errors.New("User not found")
	}

	provider := providerFromClaim(claims["provider"])
	providerUID = toOptionalString(claims["provider_uid"])
	phone = toOptionalString(claims["phone"])

	name := ""
	if rawName, ok := claims["name"].(string); ok {
		name = strings.TrimSpace(rawName)
	}
	if name == "" {
		name = fmt.Sprintf("user-%s", truncate(userID, 8))
	}

	if _, err := a.db.Exec(
		ctx,
		`INSERT INTO "User" (id, provider, "providerUid", phone, name, "createdAt")
		 VALUES ($1, $2, $3, $4, $5, NOW())`,
		userID,
		provider,
		providerUID,
		phone,
		name,
	); err != nil {
		return AuthUser{}, err
	}

	return AuthUser{
		ID:          userID,
		Provider:    provider,
		ProviderUID: providerUID,
		Phone:       phone,
		Name:        name,
	}, nil
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}

func authUserFromContext(c *gin.Context) (AuthUser, bool) {
	raw, ok := c.Get("authUser")
	if !ok {
		return AuthUser{}, false
	}
	user, ok := raw.(AuthUser)
	return user, ok
}

func writeError(c *gin.Context, status int, detail string) {
	c.AbortWithStatusJSON(status, gin.H{"detail": detail})
}

func containsRole(allowed map[string]struct{}, role string) bool {
	_, ok := allowed[role]
	return ok
}

type organizationRecord struct {
	ID       string
	Name     string
	Currency string
}

func (a *App) getOrganizationRole(ctx context.Context, userID, orgID string) (string, int, error) {
	var ownerUserID string
	err := a.db.QueryRow(
		ctx,
		`SELECT "ownerId" FROM "Organization" WHERE id = $1`,
		orgID,
	).Scan(&ownerUserID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", http.StatusNotFound, errors.New("Organization not found")
	}
	if err != nil {
		return "", http.StatusInternalServerError, err
	}
	if ownerUserID == userID {
		return roleOwner, http.StatusOK, nil
	}

	var role string
	err = a.db.QueryRow(
		ctx,
		`SELECT role FROM "OrganizationMember"
		 WHERE "organizationId" = $1 AND "userId" = $2 AND status = 'ACTIVE'
		 LIMIT 1`,
		orgID,
		userID,
	).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", http.StatusForbidden, errors.New("Organization access denied")
	}
	if err != nil {
		return "", http.StatusInternalServerError, err
	}
	return role, http.StatusOK, nil
}

func (a *App) assertOrganizationAccess(ctx context.Context, userID, orgID string, allowed map[string]struct{}) (string, int, error) {
	role, statusCode, err := a.getOrganizationRole(ctx, userID, orgID)
	if err != nil {
		return "", statusCode, err
	}
	if !containsRole(allowed, role) {
		return "", http.StatusForbidden, errors.New("Insufficient role for this action")
	}
	return role, http.StatusOK, nil
}

func (a *App) getOrganization(ctx context.Context, orgID string) (organizationRecord, int, error) {
	record := organizationRecord{}
	err := a.db.QueryRow(
		ctx,
		`SELECT id, name, currency FROM "Organization" WHERE id = $1`,
		orgID,
	).Scan(&record.ID, &record.Name, &record.Currency)
	if errors.Is(err, pgx.ErrNoRows) {
		return organizationRecord{}, http.StatusNotFound, errors.New("Organization not found")
	}
	if err != nil {
		return organizationRecord{}, http.StatusInternalServerError, err
	}
	return record, http.StatusOK, nil
}

func mustJSON(c *gin.Context, payload any) bool {
	if err := c.ShouldBindJSON(payload); err != nil {
		writeError(c, http.StatusBadRequest, "Invalid request payload")
		return false
	}
	return true
}
