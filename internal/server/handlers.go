package server

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type assistantChatRequest struct {
	Message                 string `json:"message"`
	SessionID               string `json:"session_id"`
	Context                 string `json:"context"`
	Period                  string `json:"period"`
	IncludeFinancialContext bool   `json:"include_financial_context"`
}

type expenseCreateRequest struct {
	Name           string  `json:"name"`
	Amount         float64 `json:"amount"`
	Category       string  `json:"category"`
	Description    string  `json:"description"`
	Date           string  `json:"date"`
	OrganizationID string  `json:"organization_id"`
}

type incomeCreateRequest struct {
	Name           string  `json:"name"`
	Amount         float64 `json:"amount"`
	Source         string  `json:"source"`
	Description    string  `json:"description"`
	Date           string  `json:"date"`
	OrganizationID string  `json:"organization_id"`
}

type expenseStatusRequest struct {
	Status string `json:"status"`
}

type organizationCreateRequest struct {
	Name     string `json:"name"`
	Currency string `json:"currency"`
}

type sessionUpdateRequest struct {
	Title  *string `json:"title"`
	Pinned *bool   `json:"pinned"`
}

var validExpenseStatuses = map[string]struct{}{
	"PENDING":  {},
	"APPROVED": {},
	"REJECTED": {},
}

func normalizeExpenseStatus(input string) (string, bool) {
	status := strings.ToUpper(strings.TrimSpace(input))
	if status == "" {
		return "", false
	}
	_, ok := validExpenseStatuses[status]
	return status, ok
}

func parseJSONStringMap(input []byte) map[string]any {
	if len(input) == 0 {
		return map[string]any{}
	}
	var result map[string]any
	if err := json.Unmarshal(input, &result); err != nil || result == nil {
		return map[string]any{}
	}
	return result
}

func toString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}

func extractNumberFromMap(data map[string]any, keys ...string) float64 {
	if data == nil {
		return 0
	}
	for _, key := range keys {
		raw, ok := data[key]
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case float64:
			return v
		case float32:
			return float64(v)
		case int:
			return float64(v)
		case int64:
			return float64(v)
		case json.Number:
			f, err := v.Float64()
			if err == nil {
				return f
			}
		case string:
			var parsed float64
			_, err := fmt.Sscanf(strings.TrimSpace(v), "%f", &parsed)
			if err == nil {
				return parsed
			}
		}
	}
	return 0
}

func extractStringFromMap(data map[string]any, keys ...string) string {
	if data == nil {
		return ""
	}
	for _, key := range keys {
		raw, ok := data[key]
		if !ok {
			continue
		}
		if s := strings.TrimSpace(toString(raw)); s != "" {
			return s
		}
	}
	return ""
}

func truncateRunes(value string, max int) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || max <= 0 {
		return ""
	}
	runes := []rune(trimmed)
	if len(runes) <= max {
		return trimmed
	}
	return strings.TrimSpace(string(runes[:max])) + "..."
}

func formatAmount(symbol string, amount float64) string {
	if strings.TrimSpace(symbol) == "" {
		symbol = "GH₵"
	}
	return fmt.Sprintf("%s%.2f", symbol, amount)
}

func parseDate(value string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
}

func startOfUTCDay(t time.Time) time.Time {
	utc := t.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
}

func startOfDayIn(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

func nullableOrgRef(orgID string) any {
	trimmed := strings.TrimSpace(orgID)
	if trimmed == "" {
		return nil
	}
	return trimmed
}
