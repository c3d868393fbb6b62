package server

import (
	"testing"
)

func TestParseAssistantReplyRawJSON(t *testing.T) {
	raw := `{"intent":"add_expense","confidence":0.92,"data":{"name":"lunch","amount":45},"reply":"Recorded."}`
	parsed, strategy := parseAssistantReply(raw)
	if strategy != strategyRawJSON {
		t.Fatalf("expected raw_json strategy, got %s", strategy)
	}
	if parsed.Intent != aiIntentAddExpense {
		t.Fatalf("expected add_expense, got %s", parsed.Intent)
	}
	if parsed.Confidence != 0.92 {
		t.Fatalf("expected confidence 0.92, got %v", parsed.Confidence)
	}
	if got := extractNumberFromMap(parsed.Data, "amount"); got != 45 {
		t.Fatalf("expected amount 45, got %v", got)
	}
	if got := extractStringFromMap(parsed.Data, "name"); got != "lunch" {
		t.Fatalf("expected name lunch, got %q", got)
	}
}

func TestParseAssistantReplyFencedBlock(t *testing.T) {
	raw := "Here you go:\n```json\n{\"intent\":\"greeting\",\"confidence\":0.9,\"reply\":\"Hi!\"}\n```\nHope that helps."
	parsed, strategy := parseAssistantReply(raw)
	if strategy != strategyFencedJSON {
		t.Fatalf("expected fenced_json strategy, got %s", strategy)
	}
	if parsed.Intent != aiIntentGreeting || parsed.Reply != "Hi!" {
		t.Fatalf("unexpected parse result: %+v", parsed)
	}
}

func TestParseAssistantReplyBracedSpanInProse(t *testing.T) {
	raw := `Sure thing! {"intent":"query_spending","confidence":0.8,"data":{"period":"week"},"reply":"Here is your week."} Anything else?`
	parsed, strategy := parseAssistantReply(raw)
	if strategy != strategyBracedJSON {
		t.Fatalf("expected braced_json strategy, got %s", strategy)
	}
	if parsed.Intent != aiIntentQuerySpending {
		t.Fatalf("expected query_spending, got %s", parsed.Intent)
	}
	if got := extractStringFromMap(parsed.Data, "period"); got != "week" {
		t.Fatalf("expected period week, got %q", got)
	}
}

func TestParseAssistantReplyBracesInsideStrings(t *testing.T) {
	raw := `{"intent":"general","confidence":0.6,"reply":"Use {curly} braces freely."}`
	parsed, strategy := parseAssistantReply(raw)
	if strategy != strategyRawJSON {
		t.Fatalf("expected raw_json strategy, got %s", strategy)
	}
	if parsed.Reply != "Use {curly} braces freely." {
		t.Fatalf("unexpected reply %q", parsed.Reply)
	}
}

func TestParseAssistantReplyRegexSalvage(t *testing.T) {
	// Trailing brace missing and a stray backslash: invalid JSON at every
	// decode tier, still carries recognizable fields.
	raw := `{"intent": "acknowledgment", "confidence": 0.7, "reply": "Got it \z all saved",`
	parsed, strategy := parseAssistantReply(raw)
	if strategy != strategyRegexSalvage {
		t.Fatalf("expected regex_salvage strategy, got %s", strategy)
	}
	if parsed.Intent != aiIntentAcknowledgment {
		t.Fatalf("expected acknowledgment, got %s", parsed.Intent)
	}
	if parsed.Confidence != 0.7 {
		t.Fatalf("expected confidence 0.7, got %v", parsed.Confidence)
	}
	if parsed.Reply == "" {
		t.Fatalf("expected salvaged reply, got empty")
	}
}

func TestParseAssistantReplyUnrecoverable(t *testing.T) {
	for _, raw := range []string{
		"",
		"   ",
		"Sorry, I cannot respond in JSON today.",
		`{"intent":"made_up_label","confidence":0.9,"reply":"nope"}`,
	} {
		parsed, strategy := parseAssistantReply(raw)
		if strategy != strategyUnrecoverable {
			t.Fatalf("input %q: expected unrecoverable, got %s", raw, strategy)
		}
		if parsed != nil {
			t.Fatalf("input %q: expected nil parse, got %+v", raw, parsed)
		}
	}
}

func TestParseAssistantReplyConfidenceClamped(t *testing.T) {
	parsed, _ := parseAssistantReply(`{"intent":"general","confidence":3.5,"reply":"hi"}`)
	if parsed.Confidence != 1 {
		t.Fatalf("expected confidence clamped to 1, got %v", parsed.Confidence)
	}
	parsed, _ = parseAssistantReply(`{"intent":"general","confidence":-2,"reply":"hi"}`)
	if parsed.Confidence != 0 {
		t.Fatalf("expected confidence clamped to 0, got %v", parsed.Confidence)
	}
}

func TestParseAssistantReplyDeterministic(t *testing.T) {
	raw := `{"intent":"add_income","confidence":0.85,"data":{"name":"salary","amount":3000},"reply":"Logged."}`
	first, firstStrategy := parseAssistantReply(raw)
	second, secondStrategy := parseAssistantReply(raw)
	if firstStrategy != secondStrategy {
		t.Fatalf("strategy differs across runs: %s vs %s", firstStrategy, secondStrategy)
	}
	if first.Intent != second.Intent || first.Confidence != second.Confidence || first.Reply != second.Reply {
		t.Fatalf("parse differs across runs: %+v vs %+v", first, second)
	}
}

func TestParseAssistantReplyOptionalFields(t *testing.T) {
	raw := `{"intent":"unclear","confidence":0.4,"reply":"Which account?","needs_clarification":true,"suggested_actions":["add expense","add income"],"follow_up_questions":["How much was it?"]}`
	parsed, _ := parseAssistantReply(raw)
	if !parsed.NeedsClarification {
		t.Fatalf("expected needs_clarification true")
	}
	if len(parsed.SuggestedActions) != 2 || parsed.SuggestedActions[0] != "add expense" {
		t.Fatalf("unexpected suggested actions: %v", parsed.SuggestedActions)
	}
	if len(parsed.FollowUpQuestions) != 1 {
		t.Fatalf("unexpected follow-up questions: %v", parsed.FollowUpQuestions)
	}
}

func TestFirstBracedSpanUnbalanced(t *testing.T) {
	span := firstBracedSpan(`prefix {"intent":"general","reply":"half`)
	if span == "" {
		t.Fatalf("expected open span for unbalanced braces")
	}
	if span[0] != '{' {
		t.Fatalf("expected span to start at first brace, got %q", span)
	}
}

func TestNormalizeIntentLabel(t *testing.T) {
	if got := normalizeIntentLabel("  Add_Expense "); got != aiIntentAddExpense {
		t.Fatalf("expected add_expense, got %q", got)
	}
	if got := normalizeIntentLabel("delete_everything"); got != "" {
		t.Fatalf("expected unknown label to be rejected, got %q", got)
	}
}
