package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	sessionTitleRuneMax    = 40
	digestTurnsPerSession  = 4
	digestTurnRuneMax      = 100
	defaultContextSessions = 5
)

// draftSessionPrefix marks client-side placeholder ids for a "new chat" pane
// that has no content yet. Nothing with this prefix is ever looked up or
// stored; the first appended turn creates the real session.
const draftSessionPrefix = "draft-"

type chatSessionRecord struct {
	ID             string
	UserID         string
	OrganizationID *string
	Title          string
	Pinned         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type sessionListItem struct {
	ID        string
	Title     string
	Pinned    bool
	UpdatedAt time.Time
	Turns     int
}

func deriveSessionTitle(firstUserInput string) string {
	normalized := strings.Join(strings.Fields(strings.TrimSpace(firstUserInput)), " ")
	if normalized == "" {
		return "New conversation"
	}
	return truncateRunes(normalized, sessionTitleRuneMax)
}

func (a *App) loadChatSessionForUser(ctx context.Context, userID, sessionID string) (chatSessionRecord, error) {
	record := chatSessionRecord{}
	err := a.db.QueryRow(
		ctx,
		`SELECT id, "userId", "organizationId", title, pinned, "createdAt", "updatedAt"
		 FROM "ChatSession"
		 WHERE id = $1 AND "userId" = $2`,
		sessionID,
		userID,
	).Scan(
		&record.ID,
		&record.UserID,
		&record.OrganizationID,
		&record.Title,
		&record.Pinned,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return chatSessionRecord{}, &assistantHTTPError{Status: http.StatusNotFound, Detail: "Chat session not found"}
	}
	if err != nil {
		return chatSessionRecord{}, err
	}
	return record, nil
}

// resolveSession resolves the session a turn should land in. An absent or
// draft id means this is the first turn of a new conversation: the returned
// record is prepared with a fresh id and auto-derived title but NOT stored;
// isNew tells the caller to run createSession once there is content worth
// keeping. A session with zero turns must never be durably persisted.
func (a *App) resolveSession(
	ctx context.Context,
	user AuthUser,
	org *organizationContext,
	sessionID, firstMessage string,
) (chatSessionRecord, bool, error) {
	trimmed := strings.TrimSpace(sessionID)
	if trimmed != "" && !strings.HasPrefix(trimmed, draftSessionPrefix) {
		session, err := a.loadChatSessionForUser(ctx, user.ID, trimmed)
		if err != nil {
			return chatSessionRecord{}, false, err
		}
		if org == nil && session.OrganizationID != nil {
			return chatSessionRecord{}, false, &assistantHTTPError{Status: http.StatusBadRequest, Detail: "Session belongs to an organization workspace"}
		}
		if org != nil && (session.OrganizationID == nil || *session.OrganizationID != org.ID) {
			return chatSessionRecord{}, false, &assistantHTTPError{Status: http.StatusBadRequest, Detail: "Session does not belong to this organization"}
		}
		return session, false, nil
	}

	record := chatSessionRecord{
		ID:     uuid.NewString(),
		UserID: user.ID,
		Title:  deriveSessionTitle(firstMessage),
	}
	if org != nil {
		record.OrganizationID = &org.ID
	}
	return record, true, nil
}

// createSession stores a record prepared by resolveSession and fills in its
// timestamps.
func (a *App) createSession(ctx context.Context, record *chatSessionRecord) error {
	var orgID any
	if record.OrganizationID != nil {
		orgID = *record.OrganizationID
	}
	return a.db.QueryRow(
		ctx,
		`INSERT INTO "ChatSession" (id, "userId", "organizationId", title, pinned, "createdAt", "updatedAt")
		 VALUES ($1, $2, $3, $4, FALSE, NOW(), NOW())
		 RETURNING "createdAt", "updatedAt"`,
		record.ID,
		record.UserID,
		orgID,
		record.Title,
	).Scan(&record.CreatedAt, &record.UpdatedAt)
}

func (a *App) appendTurn(ctx context.Context, sessionID, role, content, intent string) (string, time.Time, error) {
	messageID := uuid.NewString()
	var intentValue any
	if strings.TrimSpace(intent) != "" {
		intentValue = strings.TrimSpace(intent)
	}

	var createdAt time.Time
	err := a.db.QueryRow(
		ctx,
		`INSERT INTO "ChatMessage" (id, "sessionId", role, content, intent, "createdAt")
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 RETURNING "createdAt"`,
		messageID,
		sessionID,
		strings.ToLower(strings.TrimSpace(role)),
		content,
		intentValue,
	).Scan(&createdAt)
	if err != nil {
		return "", time.Time{}, err
	}

	_, _ = a.db.Exec(ctx, `UPDATE "ChatSession" SET "updatedAt" = NOW() WHERE id = $1`, sessionID)
	return messageID, createdAt, nil
}

// sessionContextDigest builds a bounded textual summary of the caller's other
// recent conversations for the system prompt: session title plus the first
// few turns, truncated, so prompt size stays flat regardless of history.
func (a *App) sessionContextDigest(
	ctx context.Context,
	userID string,
	org *organizationContext,
	excludeSessionID string,
	limit int,
) (string, error) {
	if limit <= 0 {
		limit = defaultContextSessions
	}

	rows, err := a.db.Query(
		ctx,
		`SELECT s.id, s.title
		 FROM "ChatSession" s
		 WHERE s."userId" = $1
		   AND ($2::text IS NULL AND s."organizationId" IS NULL
		        OR $2::text IS NOT NULL AND s."organizationId" = $2)
		   AND s.id <> $3
		   AND EXISTS (SELECT 1 FROM "ChatMessage" m WHERE m."sessionId" = s.id)
		 ORDER BY s."updatedAt" DESC
		 LIMIT $4`,
		userID,
		orgRef(org),
		excludeSessionID,
		limit,
	)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	type digestSession struct {
		id    string
		title string
	}
	sessions := make([]digestSession, 0, limit)
	for rows.Next() {
		item := digestSession{}
		if err := rows.Scan(&item.id, &item.title); err != nil {
			return "", err
		}
		sessions = append(sessions, item)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	sections := make([]string, 0, len(sessions))
	for _, session := range sessions {
		turnRows, err := a.db.Query(
			ctx,
			`SELECT role, content
			 FROM "ChatMessage"
			 WHERE "sessionId" = $1
			 ORDER BY "createdAt" ASC
			 LIMIT $2`,
			session.id,
			digestTurnsPerSession,
		)
		if err != nil {
			return "", err
		}

		lines := []string{"Conversation: " + session.title}
		for turnRows.Next() {
			var role, content string
			if err := turnRows.Scan(&role, &content); err != nil {
				turnRows.Close()
				return "", err
			}
			compact := strings.Join(strings.Fields(strings.TrimSpace(content)), " ")
			if compact == "" {
				continue
			}
			lines = append(lines, digestRoleLabel(role)+": "+truncateRunes(compact, digestTurnRuneMax))
		}
		if err := turnRows.Err(); err != nil {
			turnRows.Close()
			return "", err
		}
		turnRows.Close()

		if len(lines) > 1 {
			sections = append(sections, strings.Join(lines, "\n"))
		}
	}
	return strings.Join(sections, "\n---\n"), nil
}

func digestRoleLabel(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "assistant":
		return "Assistant"
	default:
		return "User"
	}
}

type sessionGroups struct {
	Pinned    []sessionListItem
	Today     []sessionListItem
	Yesterday []sessionListItem
	LastWeek  []sessionListItem
	Older     []sessionListItem
}

// groupSessions buckets sessions for the sidebar: pinned first, then by
// recency of last update against local midnight. Pinned sessions never
// appear in a recency bucket.
func groupSessions(items []sessionListItem, now time.Time) sessionGroups {
	midnight := startOfDayIn(now, now.Location())
	yesterday := midnight.Add(-24 * time.Hour)
	weekAgo := midnight.Add(-7 * 24 * time.Hour)

	groups := sessionGroups{}
	for _, item := range items {
		switch {
		case item.Pinned:
			groups.Pinned = append(groups.Pinned, item)
		case !item.UpdatedAt.Before(midnight):
			groups.Today = append(groups.Today, item)
		case !item.UpdatedAt.Before(yesterday):
			groups.Yesterday = append(groups.Yesterday, item)
		case !item.UpdatedAt.Before(weekAgo):
			groups.LastWeek = append(groups.LastWeek, item)
		default:
			groups.Older = append(groups.Older, item)
		}
	}
	return groups
}

func (a *App) listChatSessions(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	org, done := a.resolveOptionalOrgQuery(c, user)
	if done {
		return
	}

	limit := 50
	if rawLimit := strings.TrimSpace(c.Query("limit")); rawLimit != "" {
		if parsed, err := strconv.Atoi(rawLimit); err == nil && parsed > 0 {
			if parsed > 100 {
				parsed = 100
			}
			limit = parsed
		}
	}

	rows, err := a.db.Query(
		c.Request.Context(),
		`SELECT s.id, s.title, s.pinned, s."updatedAt",
		        (SELECT COUNT(*)::int FROM "ChatMessage" m WHERE m."sessionId" = s.id) AS turns
		 FROM "ChatSession" s
		 WHERE s."userId" = $1
		   AND ($2::text IS NULL AND s."organizationId" IS NULL
		        OR $2::text IS NOT NULL AND s."organizationId" = $2)
		 ORDER BY s."updatedAt" DESC
		 LIMIT $3`,
		user.ID,
		orgRef(org),
		limit,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load chat sessions")
		return
	}
	defer rows.Close()

	items := make([]sessionListItem, 0, 24)
	for rows.Next() {
		item := sessionListItem{}
		if err := rows.Scan(&item.ID, &item.Title, &item.Pinned, &item.UpdatedAt, &item.Turns); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to parse chat sessions")
			return
		}
		items = append(items, item)
	}

	groups := groupSessions(items, time.Now())
	c.JSON(http.StatusOK, gin.H{
		"pinned":    sessionItemsJSON(groups.Pinned),
		"today":     sessionItemsJSON(groups.Today),
		"yesterday": sessionItemsJSON(groups.Yesterday),
		"last_week": sessionItemsJSON(groups.LastWeek),
		"older":     sessionItemsJSON(groups.Older),
	})
}

func sessionItemsJSON(items []sessionListItem) []gin.H {
	result := make([]gin.H, 0, len(items))
	for _, item := range items {
		result = append(result, gin.H{
			"session_id": item.ID,
			"title":      item.Title,
			"pinned":     item.Pinned,
			"updated_at": item.UpdatedAt.UTC(),
			"turns":      item.Turns,
		})
	}
	return result
}

func (a *App) getChatSession(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	sessionID := strings.TrimSpace(c.Param("session_id"))
	if sessionID == "" {
		writeError(c, http.StatusBadRequest, "session_id is required")
		return
	}
	session, err := a.loadChatSessionForUser(c.Request.Context(), user.ID, sessionID)
	if err != nil {
		a.writeAssistantError(c, err)
		return
	}

	rows, err := a.db.Query(
		c.Request.Context(),
		`SELECT id, role, content, intent, "createdAt"
		 FROM "ChatMessage"
		 WHERE "sessionId" = $1
		 ORDER BY "createdAt" ASC`,
		session.ID,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load chat messages")
		return
	}
	defer rows.Close()

	items := make([]gin.H, 0)
	for rows.Next() {
		var messageID, role, content string
		var intent *string
		var createdAt time.Time
		if err := rows.Scan(&messageID, &role, &content, &intent, &createdAt); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to parse chat messages")
			return
		}
		item := gin.H{
			"message_id": messageID,
			"role":       strings.ToLower(strings.TrimSpace(role)),
			"content":    content,
			"created_at": createdAt.UTC(),
		}
		if intent != nil && strings.TrimSpace(*intent) != "" {
			item["intent"] = strings.TrimSpace(*intent)
		}
		items = append(items, item)
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id":      session.ID,
		"title":           session.Title,
		"pinned":          session.Pinned,
		"organization_id": session.OrganizationID,
		"created_at":      session.CreatedAt.UTC(),
		"updated_at":      session.UpdatedAt.UTC(),
		"messages":        items,
	})
}

func (a *App) updateChatSession(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	sessionID := strings.TrimSpace(c.Param("session_id"))
	if sessionID == "" {
		writeError(c, http.StatusBadRequest, "session_id is required")
		return
	}

	var payload sessionUpdateRequest
	if !mustJSON(c, &payload) {
		return
	}
	if payload.Title == nil && payload.Pinned == nil {
		writeError(c, http.StatusBadRequest, "Provide title and/or pinned")
		return
	}

	session, err := a.loadChatSessionForUser(c.Request.Context(), user.ID, sessionID)
	if err != nil {
		a.writeAssistantError(c, err)
		return
	}

	title := session.Title
	if payload.Title != nil {
		renamed := strings.Join(strings.Fields(strings.TrimSpace(*payload.Title)), " ")
		if renamed == "" {
			writeError(c, http.StatusBadRequest, "title must not be empty")
			return
		}
		title = truncateRunes(renamed, sessionTitleRuneMax)
	}
	pinned := session.Pinned
	if payload.Pinned != nil {
		pinned = *payload.Pinned
	}

	if _, err := a.db.Exec(
		c.Request.Context(),
		`UPDATE "ChatSession" SET title = $2, pinned = $3, "updatedAt" = NOW() WHERE id = $1`,
		session.ID,
		title,
		pinned,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to update chat session")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": session.ID,
		"title":      title,
		"pinned":     pinned,
	})
}

func (a *App) deleteChatSession(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	sessionID := strings.TrimSpace(c.Param("session_id"))
	if sessionID == "" {
		writeError(c, http.StatusBadRequest, "session_id is required")
		return
	}
	session, err := a.loadChatSessionForUser(c.Request.Context(), user.ID, sessionID)
	if err != nil {
		a.writeAssistantError(c, err)
		return
	}

	if _, err := a.db.Exec(c.Request.Context(), `DELETE FROM "ChatMessage" WHERE "sessionId" = $1`, session.ID); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to delete chat session")
		return
	}
	if _, err := a.db.Exec(c.Request.Context(), `DELETE FROM "ChatSession" WHERE id = $1`, session.ID); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to delete chat session")
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": true, "session_id": session.ID})
}

// resolveOptionalOrgQuery reads an optional org_id query parameter and
// verifies membership when present. The bool result reports whether a
// response has already been written.
func (a *App) resolveOptionalOrgQuery(c *gin.Context, user AuthUser) (*organizationContext, bool) {
	orgID := strings.TrimSpace(c.Query("org_id"))
	if orgID == "" {
		return nil, false
	}
	role, statusCode, err := a.assertOrganizationAccess(c.Request.Context(), user.ID, orgID, readRoles)
	if err != nil {
		writeError(c, statusCode, err.Error())
		return nil, true
	}
	org, statusCode, err := a.getOrganization(c.Request.Context(), orgID)
	if err != nil {
		writeError(c, statusCode, err.Error())
		return nil, true
	}
	return &organizationContext{ID: org.ID, Name: org.Name, Currency: org.Currency, Role: role}, false
}
