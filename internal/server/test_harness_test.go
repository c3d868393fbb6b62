package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"kudiassist/backend/internal/config"
	"kudiassist/backend/internal/db"
)

var (
	testPool              *pgxpool.Pool
	baseTestConfig        config.Config
	integrationDBReady    bool
	integrationSkipReason string
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	baseTestConfig = newTestConfig()

	testDatabaseURL := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if testDatabaseURL == "" {
		integrationSkipReason = "integration tests skipped: TEST_DATABASE_URL is not set"
		fmt.Fprintln(os.Stderr, integrationSkipReason)
		os.Exit(m.Run())
	}
	testDatabaseURL = withSimpleProtocol(testDatabaseURL)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := db.Connect(ctx, testDatabaseURL)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "integration test setup failed: cannot connect TEST_DATABASE_URL: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	err = pool.Ping(ctx)
	cancel()
	if err != nil {
		pool.Close()
		fmt.Fprintf(os.Stderr, "integration test setup failed: database ping failed: %v\n", err)
		os.Exit(1)
	}

	if err := verifyRequiredTables(pool); err != nil {
		pool.Close()
		fmt.Fprintf(os.Stderr, "integration test setup failed: %v\n", err)
		os.Exit(1)
	}

	testPool = pool
	integrationDBReady = true

	exitCode := m.Run()
	testPool.Close()
	os.Exit(exitCode)
}

func withSimpleProtocol(rawURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return rawURL
	}
	queries := parsed.Query()
	queries.Set("default_query_exec_mode", "simple_protocol")
	parsed.RawQuery = queries.Encode()
	return parsed.String()
}

func newTestConfig() config.Config {
	cfg := config.Config{
		AppEnv:             "test",
		AppName:            "Kudi Assist API Test",
		APIPrefix:          "/api/v1",
		AppPort:            "0",
		DatabaseURL:        "test",
		Currency:           "GH₵",
		JWTSecret:          "test-secret-1234567890",
		JWTAlgorithm:       "HS256",
		JWTAudience:        "",
		JWTIssuer:          "",
		AuthAutoCreateUser: false,
		CORSAllowOrigins: []string{
			"http://localhost:5173",
			"http://127.0.0.1:5173",
			"http://localhost:3000",
		},
		RateLimitQuota:     50,
		RateLimitWindowSec: 60,
	}

	if v := strings.TrimSpace(os.Getenv("TEST_JWT_SECRET")); v != "" {
		cfg.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("TEST_JWT_AUDIENCE")); v != "" {
		cfg.JWTAudience = v
	}
	if v := strings.TrimSpace(os.Getenv("TEST_JWT_ISSUER")); v != "" {
		cfg.JWTIssuer = v
	}
	return cfg
}

func verifyRequiredTables(pool *pgxpool.Pool) error {
	required := []string{
		"User",
		"Organization",
		"OrganizationMember",
		"Expense",
		"Income",
		"ChatSession",
		"ChatMessage",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	missing := make([]string, 0)
	for _, table := range required {
		var exists bool
		if err := pool.QueryRow(
			ctx,
			`SELECT EXISTS (
				SELECT 1
				FROM information_schema.tables
				WHERE table_schema = 'public' AND table_name = $1
			)`,
			table,
		).Scan(&exists); err != nil {
			return fmt.Errorf("failed to validate schema table %q: %w", table, err)
		}
		if !exists {
			missing = append(missing, table)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf(
			"missing required tables: %s. Apply the migrations to TEST_DATABASE_URL before running integration tests",
			strings.Join(missing, ", "),
		)
	}
	return nil
}

func requireIntegration(t *testing.T) {
	t.Helper()
	if !integrationDBReady {
		if integrationSkipReason == "" {
			integrationSkipReason = "integration tests skipped: TEST_DATABASE_URL is not configured"
		}
		t.Skip(integrationSkipReason)
	}
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	router, _ := newTestRouterWithAI(t, baseTestConfig)
	return router
}

// newTestRouterWithAI wires the deterministic AI client and an open rate
// limiter so chat tests exercise the full pipeline without a provider key.
func newTestRouterWithAI(t *testing.T, cfg config.Config) (*gin.Engine, *MockAIClient) {
	t.Helper()
	requireIntegration(t)
	mock := &MockAIClient{}
	return NewWithClients(cfg, testPool, mock, allowAll{}).Router(), mock
}

func newTestRouterWithLimiter(t *testing.T, cfg config.Config, limiter RateLimiter) (*gin.Engine, *MockAIClient) {
	t.Helper()
	requireIntegration(t)
	mock := &MockAIClient{}
	return NewWithClients(cfg, testPool, mock, limiter).Router(), mock
}

func resetDatabase(t *testing.T) {
	t.Helper()
	requireIntegration(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := testPool.Exec(
		ctx,
		`TRUNCATE TABLE
			"ChatMessage",
			"ChatSession",
			"Expense",
			"Income",
			"OrganizationMember",
			"Organization",
			"User"
		RESTART IDENTITY CASCADE`,
	)
	if err != nil {
		t.Fatalf("reset database: %v", err)
	}
}

func testID() string {
	return uuid.NewString()
}

func seedUser(t *testing.T, userID string) string {
	t.Helper()
	requireIntegration(t)
	if strings.TrimSpace(userID) == "" {
		userID = testID()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	name := "user-" + userID[:8]
	_, err := testPool.Exec(
		ctx,
		`INSERT INTO "User" (id, provider, "providerUid", phone, name, "createdAt")
		 VALUES ($1, 'phone', NULL, NULL, $2, NOW())`,
		userID,
		name,
	)
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return userID
}

func seedOrganization(t *testing.T, orgID, ownerUserID string) string {
	t.Helper()
	requireIntegration(t)
	if strings.TrimSpace(orgID) == "" {
		orgID = testID()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := testPool.Exec(
		ctx,
		`INSERT INTO "Organization" (id, name, currency, "ownerId", "createdAt")
		 VALUES ($1, $2, 'GH₵', $3, NOW())`,
		orgID,
		"org-"+orgID[:8],
		ownerUserID,
	)
	if err != nil {
		t.Fatalf("seed organization: %v", err)
	}
	return orgID
}

func seedOrganizationMember(t *testing.T, membershipID, orgID, userID, role, status string) string {
	t.Helper()
	requireIntegration(t)
	if strings.TrimSpace(membershipID) == "" {
		membershipID = testID()
	}
	if strings.TrimSpace(status) == "" {
		status = "ACTIVE"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := testPool.Exec(
		ctx,
		`INSERT INTO "OrganizationMember" (id, "organizationId", "userId", role, status, "createdAt")
		 VALUES ($1, $2, $3, $4, $5, NOW())`,
		membershipID,
		orgID,
		userID,
		role,
		status,
	)
	if err != nil {
		t.Fatalf("seed organization member: %v", err)
	}
	return membershipID
}

func seedExpense(t *testing.T, expenseID, userID string, orgID *string, name string, amount float64, status string, spentAt time.Time) string {
	t.Helper()
	requireIntegration(t)
	if strings.TrimSpace(expenseID) == "" {
		expenseID = testID()
	}
	if strings.TrimSpace(status) == "" {
		status = "APPROVED"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := testPool.Exec(
		ctx,
		`INSERT INTO "Expense" (id, "userId", "organizationId", name, amount, category, description, status, "spentAt", "createdAt")
		 VALUES ($1, $2, $3, $4, $5, 'general', '', $6, $7, NOW())`,
		expenseID,
		userID,
		orgID,
		name,
		amount,
		status,
		spentAt.UTC(),
	)
	if err != nil {
		t.Fatalf("seed expense: %v", err)
	}
	return expenseID
}

func seedIncome(t *testing.T, incomeID, userID string, orgID *string, name string, amount float64, receivedAt time.Time) string {
	t.Helper()
	requireIntegration(t)
	if strings.TrimSpace(incomeID) == "" {
		incomeID = testID()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := testPool.Exec(
		ctx,
		`INSERT INTO "Income" (id, "userId", "organizationId", name, amount, source, description, "receivedAt", "createdAt")
		 VALUES ($1, $2, $3, $4, $5, 'other', '', $6, NOW())`,
		incomeID,
		userID,
		orgID,
		name,
		amount,
		receivedAt.UTC(),
	)
	if err != nil {
		t.Fatalf("seed income: %v", err)
	}
	return incomeID
}

func seedChatSession(t *testing.T, sessionID, userID string, orgID *string, title string, pinned bool, updatedAt time.Time) string {
	t.Helper()
	requireIntegration(t)
	if strings.TrimSpace(sessionID) == "" {
		sessionID = testID()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := testPool.Exec(
		ctx,
		`INSERT INTO "ChatSession" (id, "userId", "organizationId", title, pinned, "createdAt", "updatedAt")
		 VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		sessionID,
		userID,
		orgID,
		title,
		pinned,
		updatedAt.UTC(),
	)
	if err != nil {
		t.Fatalf("seed chat session: %v", err)
	}
	return sessionID
}

func seedChatMessage(t *testing.T, sessionID, role, content string) string {
	t.Helper()
	requireIntegration(t)
	messageID := testID()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := testPool.Exec(
		ctx,
		`INSERT INTO "ChatMessage" (id, "sessionId", role, content, intent, "createdAt")
		 VALUES ($1, $2, $3, $4, NULL, NOW())`,
		messageID,
		sessionID,
		role,
		content,
	)
	if err != nil {
		t.Fatalf("seed chat message: %v", err)
	}
	return messageID
}

func signToken(t *testing.T, sub string, overrides map[string]any) string {
	t.Helper()
	return signTokenWithConfig(t, baseTestConfig, sub, overrides)
}

func signTokenWithConfig(t *testing.T, cfg config.Config, sub string, overrides map[string]any) string {
	t.Helper()

	claims := jwt.MapClaims{
		"exp": time.Now().UTC().Add(1 * time.Hour).Unix(),
		"iat": time.Now().UTC().Add(-1 * time.Minute).Unix(),
	}
	if strings.TrimSpace(sub) != "" {
		claims["sub"] = sub
	}
	if strings.TrimSpace(cfg.JWTAudience) != "" {
		claims["aud"] = cfg.JWTAudience
	}
	if strings.TrimSpace(cfg.JWTIssuer) != "" {
		claims["iss"] = cfg.JWTIssuer
	}
	for key, value := range overrides {
		if value == nil {
			delete(claims, key)
			continue
		}
		claims[key] = value
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(cfg.JWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func performRequest(
	t *testing.T,
	router http.Handler,
	method, targetPath, token string,
	body any,
	headers map[string]string,
) *httptest.ResponseRecorder {
	t.Helper()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
	}

	req := httptest.NewRequest(method, targetPath, bytes.NewReader(payload))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSONMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response JSON: %v; body=%s", err, rec.Body.String())
	}
	return payload
}

func responseDetail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeJSONMap(t, rec)
	detail, _ := body["detail"].(string)
	return detail
}
