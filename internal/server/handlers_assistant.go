package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

type assistantHTTPError struct {
	Status int
	Detail string
}

func (e *assistantHTTPError) Error() string {
	return e.Detail
}

const assistantRateLimitDetail = "Too many assistant requests. Please wait a moment and try again."

const baseSystemPrompt = `You are KudiAssist, a financial assistant for personal and team expense tracking.
Classify every user message into exactly one intent and respond with a single line of JSON, no prose, no code fences:
{"intent": "<label>", "confidence": <0..1>, "data": {...}, "reply": "<short friendly answer>", "needs_clarification": <bool>, "suggested_actions": [...], "follow_up_questions": [...]}

Supported intents: add_expense, add_income, query_spending, query_income, financial_summary, greeting, acknowledgment, unclear, general.

For add_expense and add_income, data must carry "name" and numeric "amount", plus "category" (expense) or "source" (income) and "date" when mentioned.
Dates may be relative phrases like "yesterday", "3 days ago" or "last friday"; pass them through verbatim in data.date.
For query_spending, query_income and financial_summary, data may carry "period": one of today, yesterday, week, month, year, last_month.
Use "unclear" with needs_clarification true when the message is about money but incomplete, and "general" for anything else.
Amounts are plain numbers without currency symbols.`

// buildSystemPrompt assembles the per-request system prompt: the fixed
// instruction block, then workspace identity, then bounded optional sections.
// Sections are ordered so the model sees instructions before context.
func buildSystemPrompt(org *organizationContext, currency, extraContext, digest, snapshot string, now time.Time) string {
	sections := []string{baseSystemPrompt}

	workspace := "Workspace: personal"
	if org != nil {
		workspace = "Workspace: organization " + org.Name
	}
	sections = append(sections, fmt.Sprintf("%s\nCurrency: %s\nToday is %s (%s).",
		workspace,
		currency,
		now.Format("Monday, 2 January 2006"),
		now.Format("2006-01-02"),
	))

	if trimmed := strings.TrimSpace(extraContext); trimmed != "" {
		sections = append(sections, "Client context:\n"+truncateRunes(trimmed, 500))
	}
	if strings.TrimSpace(digest) != "" {
		sections = append(sections, "Earlier conversations:\n"+digest)
	}
	if strings.TrimSpace(snapshot) != "" {
		sections = append(sections, "Financial snapshot:\n"+snapshot)
	}

	return strings.Join(sections, "\n\n")
}

// financialContextSnapshot summarizes the requested period so the model can
// ground replies in real numbers. Failures degrade to an empty snapshot
// rather than failing the chat request.
func (a *App) financialContextSnapshot(
	ctx context.Context,
	user AuthUser,
	org *organizationContext,
	period string,
	now time.Time,
) string {
	start, end := periodWindow(period, now)
	symbol := a.currencyFor(org)

	expenses, err := a.aggregateExpenses(ctx, user, org, start, end)
	if err != nil {
		log.Printf("assistant snapshot expenses failed: %v", err)
		return ""
	}
	income, err := a.aggregateIncome(ctx, user, org, start, end)
	if err != nil {
		log.Printf("assistant snapshot income failed: %v", err)
		return ""
	}

	lines := []string{
		fmt.Sprintf("Period: %s", periodLabel(period)),
		fmt.Sprintf("Spending: %s across %d expenses", formatAmount(symbol, expenses.Total), expenses.Count),
		fmt.Sprintf("Income: %s across %d entries", formatAmount(symbol, income.Total), income.Count),
	}
	for i, entry := range expenses.Top {
		if i >= 3 {
			break
		}
		lines = append(lines, fmt.Sprintf("Top expense %d: %s at %s", i+1, entry.Name, formatAmount(symbol, entry.Amount)))
	}
	return strings.Join(lines, "\n")
}

func (a *App) assistantChat(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}
	a.runAssistantChat(c, user, nil)
}

func (a *App) assistantOrgChat(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	orgID := strings.TrimSpace(c.Param("org_id"))
	role, statusCode, err := a.assertOrganizationAccess(c.Request.Context(), user.ID, orgID, readRoles)
	if err != nil {
		writeError(c, statusCode, err.Error())
		return
	}
	org, statusCode, err := a.getOrganization(c.Request.Context(), orgID)
	if err != nil {
		writeError(c, statusCode, err.Error())
		return
	}

	a.runAssistantChat(c, user, &organizationContext{
		ID:       org.ID,
		Name:     org.Name,
		Currency: org.Currency,
		Role:     role,
	})
}

// assistantOrgProbe reports assistant availability for an organization
// workspace without spending a model call.
func (a *App) assistantOrgProbe(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	orgID := strings.TrimSpace(c.Param("org_id"))
	role, statusCode, err := a.assertOrganizationAccess(c.Request.Context(), user.ID, orgID, readRoles)
	if err != nil {
		writeError(c, statusCode, err.Error())
		return
	}
	org, statusCode, err := a.getOrganization(c.Request.Context(), orgID)
	if err != nil {
		writeError(c, statusCode, err.Error())
		return
	}

	intents := make([]string, 0, len(supportedIntents))
	for _, intent := range supportedIntents {
		intents = append(intents, string(intent))
	}
	c.JSON(http.StatusOK, gin.H{
		"organization_id":   org.ID,
		"organization_name": org.Name,
		"currency":          a.currencyFor(&organizationContext{Currency: org.Currency}),
		"role":              role,
		"supported_intents": intents,
	})
}

// runAssistantChat is the shared chat pipeline for the personal and
// organization endpoints. The rate limiter gates the request before any
// store or model work happens.
func (a *App) runAssistantChat(c *gin.Context, user AuthUser, org *organizationContext) {
	if !a.limiter.Allow(user.ID) {
		writeError(c, http.StatusTooManyRequests, assistantRateLimitDetail)
		return
	}

	var payload assistantChatRequest
	if !mustJSON(c, &payload) {
		return
	}
	message := strings.TrimSpace(payload.Message)
	if message == "" {
		writeError(c, http.StatusBadRequest, "message is required")
		return
	}

	ctx := c.Request.Context()
	now := time.Now()

	session, isNewSession, err := a.resolveSession(ctx, user, org, payload.SessionID, message)
	if err != nil {
		a.writeAssistantError(c, err)
		return
	}

	digest, err := a.sessionContextDigest(ctx, user.ID, org, session.ID, defaultContextSessions)
	if err != nil {
		log.Printf("assistant context digest failed: %v", err)
		digest = ""
	}

	snapshot := ""
	if payload.IncludeFinancialContext {
		snapshot = a.financialContextSnapshot(ctx, user, org, normalizePeriod(payload.Period), now)
	}

	systemPrompt := buildSystemPrompt(org, a.currencyFor(org), payload.Context, digest, snapshot, now)

	rawReply, err := a.ai.Complete(ctx, systemPrompt, message)
	if err != nil {
		a.writeAssistantError(c, err)
		return
	}

	parsed, strategy := parseAssistantReply(rawReply)
	if strategy == strategyUnrecoverable {
		fallback := strings.TrimSpace(rawReply)
		if fallback == "" {
			fallback = "I could not process that. Could you try rephrasing?"
		}
		parsed = &ParsedIntent{
			Intent:     aiIntentGeneral,
			Confidence: 0.5,
			Reply:      fallback,
		}
	}

	result, err := a.dispatchIntent(ctx, user, org, parsed, now)
	if err != nil {
		a.writeAssistantError(c, err)
		return
	}

	// Persist the exchange in submission order. A new session is stored only
	// here, once a reply exists; every error return above leaves no session
	// row behind. Storage failures after a successful model call are logged
	// but do not discard the reply.
	stored := true
	if isNewSession {
		if err := a.createSession(ctx, &session); err != nil {
			log.Printf("assistant persist session failed: %v", err)
			stored = false
		}
	}
	if stored {
		if _, _, err := a.appendTurn(ctx, session.ID, "user", message, ""); err != nil {
			log.Printf("assistant persist user turn failed: %v", err)
		} else if _, _, err := a.appendTurn(ctx, session.ID, "assistant", result.Reply, string(parsed.Intent)); err != nil {
			log.Printf("assistant persist assistant turn failed: %v", err)
		}
	}

	response := gin.H{
		"success":    result.Success,
		"data":       gin.H{"reply": result.Reply},
		"intent":     string(parsed.Intent),
		"confidence": parsed.Confidence,
		"session_id": session.ID,
	}
	if len(result.Metadata) > 0 {
		response["metadata"] = result.Metadata
	}
	if len(parsed.SuggestedActions) > 0 {
		response["suggested_actions"] = parsed.SuggestedActions
	}
	if len(parsed.FollowUpQuestions) > 0 {
		response["follow_up_questions"] = parsed.FollowUpQuestions
	}
	if parsed.NeedsClarification {
		response["needs_clarification"] = true
	}
	c.JSON(http.StatusOK, response)
}

// writeAssistantError maps pipeline failures onto HTTP statuses. Provider
// failures are classified by message content because the HTTP client flattens
// them into plain errors.
func (a *App) writeAssistantError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	var httpErr *assistantHTTPError
	if errors.As(err, &httpErr) {
		writeError(c, httpErr.Status, httpErr.Detail)
		return
	}
	lowered := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(lowered, "openai_api_key is not configured"):
		writeError(c, http.StatusInternalServerError, "AI provider is not configured: set OPENAI_API_KEY")
	case strings.Contains(lowered, "openai chat error (429"):
		writeError(c, http.StatusServiceUnavailable, "The assistant is busy right now. Please try again shortly.")
	case strings.Contains(lowered, "context deadline exceeded"):
		writeError(c, http.StatusBadGateway, "AI provider request timed out")
	case strings.Contains(lowered, "openai chat error"):
		writeError(c, http.StatusBadGateway, "AI provider request failed")
	default:
		log.Printf("assistant request failed: %v", err)
		writeError(c, http.StatusInternalServerError, "Assistant request failed")
	}
}
