package server

import (
	"encoding/json"
	"regexp"
	"strings"
)

type aiIntent string

const (
	aiIntentAddExpense       aiIntent = "add_expense"
	aiIntentAddIncome        aiIntent = "add_income"
	aiIntentQuerySpending    aiIntent = "query_spending"
	aiIntentQueryIncome      aiIntent = "query_income"
	aiIntentFinancialSummary aiIntent = "financial_summary"
	aiIntentGreeting         aiIntent = "greeting"
	aiIntentAcknowledgment   aiIntent = "acknowledgment"
	aiIntentUnclear          aiIntent = "unclear"
	aiIntentGeneral          aiIntent = "general"
)

var supportedIntents = []aiIntent{
	aiIntentAddExpense,
	aiIntentAddIncome,
	aiIntentQuerySpending,
	aiIntentQueryIncome,
	aiIntentFinancialSummary,
	aiIntentGreeting,
	aiIntentAcknowledgment,
	aiIntentUnclear,
	aiIntentGeneral,
}

func normalizeIntentLabel(value string) aiIntent {
	normalized := strings.ToLower(strings.TrimSpace(value))
	for _, intent := range supportedIntents {
		if normalized == string(intent) {
			return intent
		}
	}
	return ""
}

// ParsedIntent is the structured form of one assistant turn. It lives for a
// single request: built from the model output, dispatched, then discarded.
type ParsedIntent struct {
	Intent             aiIntent
	Confidence         float64
	Data               map[string]any
	Reply              string
	NeedsClarification bool
	SuggestedActions   []string
	FollowUpQuestions  []string
}

type parseStrategy string

const (
	strategyFencedJSON    parseStrategy = "fenced_json"
	strategyRawJSON       parseStrategy = "raw_json"
	strategyBracedJSON    parseStrategy = "braced_json"
	strategyRegexSalvage  parseStrategy = "regex_salvage"
	strategyUnrecoverable parseStrategy = "unrecoverable"
)

var (
	fencedBlockPattern       = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	intentSalvagePattern     = regexp.MustCompile(`"intent"\s*:\s*"([^"]+)"`)
	confidenceSalvagePattern = regexp.MustCompile(`"confidence"\s*:\s*([0-9]*\.?[0-9]+)`)
	replySalvagePattern      = regexp.MustCompile(`(?s)"reply"\s*:\s*"(.*?)"\s*[,}]`)
)

// parseAssistantReply repairs raw model output into a ParsedIntent. The model
// is instructed to return single-line JSON but routinely wraps it in prose or
// code fences, or emits broken escapes, so parsing walks an ordered fallback
// chain and stops at the first strategy that succeeds. A pure function: the
// same input always yields the same result.
func parseAssistantReply(raw string) (*ParsedIntent, parseStrategy) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, strategyUnrecoverable
	}

	if match := fencedBlockPattern.FindStringSubmatch(trimmed); len(match) == 2 {
		if parsed := decodeIntentJSON(match[1]); parsed != nil {
			return parsed, strategyFencedJSON
		}
	}

	if parsed := decodeIntentJSON(trimmed); parsed != nil {
		return parsed, strategyRawJSON
	}

	span := firstBracedSpan(trimmed)
	if span != "" {
		if parsed := decodeIntentJSON(span); parsed != nil {
			return parsed, strategyBracedJSON
		}
		if parsed := salvageIntentFields(span); parsed != nil {
			return parsed, strategyRegexSalvage
		}
	}

	return nil, strategyUnrecoverable
}

func decodeIntentJSON(candidate string) *ParsedIntent {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return nil
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil || fields == nil {
		return nil
	}

	intent := normalizeIntentLabel(toString(fields["intent"]))
	if intent == "" {
		return nil
	}

	confidence := extractNumberFromMap(fields, "confidence")
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	data, _ := fields["data"].(map[string]any)
	needsClarification, _ := fields["needs_clarification"].(bool)

	return &ParsedIntent{
		Intent:             intent,
		Confidence:         confidence,
		Data:               data,
		Reply:              strings.TrimSpace(toString(fields["reply"])),
		NeedsClarification: needsClarification,
		SuggestedActions:   toStringSlice(fields["suggested_actions"]),
		FollowUpQuestions:  toStringSlice(fields["follow_up_questions"]),
	}
}

// firstBracedSpan returns the first top-level {...} span, tracking string
// state so braces inside quoted values do not unbalance the walk.
func firstBracedSpan(text string) string {
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	// Unbalanced: hand the open span to the salvage tier anyway.
	return text[start:]
}

var salvageUnescaper = strings.NewReplacer(`\n`, "\n", `\"`, `"`, `\\`, `\`)

func salvageIntentFields(span string) *ParsedIntent {
	intentMatch := intentSalvagePattern.FindStringSubmatch(span)
	if len(intentMatch) != 2 {
		return nil
	}
	intent := normalizeIntentLabel(intentMatch[1])
	if intent == "" {
		return nil
	}

	confidence := 0.5
	if match := confidenceSalvagePattern.FindStringSubmatch(span); len(match) == 2 {
		confidence = extractNumberFromMap(map[string]any{"confidence": match[1]}, "confidence")
	}

	replyMatch := replySalvagePattern.FindStringSubmatch(span)
	if len(replyMatch) != 2 {
		return nil
	}
	reply := strings.TrimSpace(salvageUnescaper.Replace(replyMatch[1]))
	if reply == "" {
		return nil
	}

	return &ParsedIntent{
		Intent:             intent,
		Confidence:         confidence,
		Reply:              reply,
		NeedsClarification: false,
	}
}

func toStringSlice(raw any) []string {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	result := make([]string, 0, len(items))
	for _, item := range items {
		if s := strings.TrimSpace(toString(item)); s != "" {
			result = append(result, s)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
