package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

type handlerResult struct {
	Success  bool
	Reply    string
	Metadata map[string]any
}

// organizationContext scopes an intent to one organization. Nil means the
// caller's personal workspace.
type organizationContext struct {
	ID       string
	Name     string
	Currency string
	Role     string
}

const (
	emptySpendingReply = "You have no expenses recorded for this period yet."
	emptyIncomeReply   = "You have no income recorded for this period yet."
)

var errInsufficientRole = &assistantHTTPError{
	Status: http.StatusForbidden,
	Detail: "Insufficient role for this action",
}

func (a *App) currencyFor(org *organizationContext) string {
	if org != nil && strings.TrimSpace(org.Currency) != "" {
		return org.Currency
	}
	return a.cfg.Currency
}

// dispatchIntent routes a parsed intent to its handler. Conversational
// intents are answered from the parsed reply without touching the store.
func (a *App) dispatchIntent(
	ctx context.Context,
	user AuthUser,
	org *organizationContext,
	parsed *ParsedIntent,
	now time.Time,
) (handlerResult, error) {
	switch parsed.Intent {
	case aiIntentAddExpense:
		return a.handleAddExpense(ctx, user, org, parsed, now)
	case aiIntentAddIncome:
		return a.handleAddIncome(ctx, user, org, parsed, now)
	case aiIntentQuerySpending:
		return a.handleQuerySpending(ctx, user, org, parsed, now)
	case aiIntentQueryIncome:
		return a.handleQueryIncome(ctx, user, org, parsed, now)
	case aiIntentFinancialSummary:
		return a.handleFinancialSummary(ctx, user, org, parsed, now)
	case aiIntentGreeting, aiIntentAcknowledgment, aiIntentGeneral:
		return handlerResult{Success: true, Reply: parsed.Reply}, nil
	case aiIntentUnclear:
		reply := parsed.Reply
		if strings.TrimSpace(reply) == "" {
			reply = "I did not quite catch that. Could you rephrase what you want to record or look up?"
		}
		return handlerResult{Success: true, Reply: reply}, nil
	default:
		return handlerResult{
			Success: false,
			Reply:   "I am not sure how to help with that yet. Try adding an expense or asking about your spending.",
		}, nil
	}
}

func (a *App) handleAddExpense(
	ctx context.Context,
	user AuthUser,
	org *organizationContext,
	parsed *ParsedIntent,
	now time.Time,
) (handlerResult, error) {
	if org != nil && !containsRole(writeRoles, org.Role) {
		return handlerResult{}, errInsufficientRole
	}

	name := extractStringFromMap(parsed.Data, "name", "item", "description")
	amount := extractNumberFromMap(parsed.Data, "amount", "cost", "price")
	if name == "" {
		return handlerResult{
			Success: false,
			Reply:   "What was the expense for? Tell me the item and the amount, e.g. \"lunch for 45\".",
		}, nil
	}
	if amount <= 0 {
		return handlerResult{
			Success: false,
			Reply:   fmt.Sprintf("How much did %s cost? I need a positive amount to record it.", name),
		}, nil
	}

	category := extractStringFromMap(parsed.Data, "category")
	if category == "" {
		category = "general"
	}
	description := extractStringFromMap(parsed.Data, "description", "note")
	spentAt := resolveRelativeDate(extractStringFromMap(parsed.Data, "date"), now)

	// Organization expenses enter the approval queue; personal ones are final.
	status := "APPROVED"
	if org != nil {
		status = "PENDING"
	}

	expenseID := uuid.NewString()
	if _, err := a.db.Exec(
		ctx,
		`INSERT INTO "Expense" (id, "userId", "organizationId", name, amount, category, description, status, "spentAt", "createdAt")
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())`,
		expenseID,
		user.ID,
		orgRef(org),
		name,
		amount,
		category,
		description,
		status,
		spentAt,
	); err != nil {
		log.Printf("add_expense insert failed user_id=%s org=%s err=%v", user.ID, orgLabel(org), err)
		return handlerResult{
			Success: false,
			Reply:   "I could not save that expense just now. Please try again in a moment.",
		}, nil
	}

	formatted := formatAmount(a.currencyFor(org), amount)
	reply := fmt.Sprintf("Recorded %s for %s under %s.", formatted, name, category)
	if org != nil {
		reply = fmt.Sprintf("Recorded %s for %s in %s (pending approval).", formatted, name, org.Name)
	}
	return handlerResult{
		Success: true,
		Reply:   reply,
		Metadata: map[string]any{
			"expense_id": expenseID,
			"name":       name,
			"amount":     amount,
			"category":   category,
			"status":     status,
			"spent_at":   spentAt.UTC().Format("2006-01-02"),
		},
	}, nil
}

func (a *App) handleAddIncome(
	ctx context.Context,
	user AuthUser,
	org *organizationContext,
	parsed *ParsedIntent,
	now time.Time,
) (handlerResult, error) {
	if org != nil && !containsRole(writeRoles, org.Role) {
		return handlerResult{}, errInsufficientRole
	}

	name := extractStringFromMap(parsed.Data, "name", "item", "description")
	amount := extractNumberFromMap(parsed.Data, "amount")
	if name == "" {
		return handlerResult{
			Success: false,
			Reply:   "What was the income from? Tell me the source and the amount.",
		}, nil
	}
	if amount <= 0 {
		return handlerResult{
			Success: false,
			Reply:   fmt.Sprintf("How much did you receive for %s? I need a positive amount.", name),
		}, nil
	}

	source := extractStringFromMap(parsed.Data, "source", "category")
	if source == "" {
		source = "other"
	}
	description := extractStringFromMap(parsed.Data, "description", "note")
	receivedAt := resolveRelativeDate(extractStringFromMap(parsed.Data, "date"), now)

	incomeID := uuid.NewString()
	if _, err := a.db.Exec(
		ctx,
		`INSERT INTO "Income" (id, "userId", "organizationId", name, amount, source, description, "receivedAt", "createdAt")
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`,
		incomeID,
		user.ID,
		orgRef(org),
		name,
		amount,
		source,
		description,
		receivedAt,
	); err != nil {
		log.Printf("add_income insert failed user_id=%s org=%s err=%v", user.ID, orgLabel(org), err)
		return handlerResult{
			Success: false,
			Reply:   "I could not save that income just now. Please try again in a moment.",
		}, nil
	}

	return handlerResult{
		Success: true,
		Reply:   fmt.Sprintf("Recorded %s income from %s.", formatAmount(a.currencyFor(org), amount), name),
		Metadata: map[string]any{
			"income_id":   incomeID,
			"name":        name,
			"amount":      amount,
			"source":      source,
			"received_at": receivedAt.UTC().Format("2006-01-02"),
		},
	}, nil
}

type periodAggregate struct {
	Total float64
	Count int
	Top   []topEntry
}

type topEntry struct {
	Name   string
	Amount float64
	Count  int
}

func (a *App) aggregateExpenses(ctx context.Context, user AuthUser, org *organizationContext, start, end time.Time) (periodAggregate, error) {
	return a.aggregateRecords(ctx, user, org, start, end,
		`SELECT COALESCE(SUM(amount), 0)::float8, COUNT(*)::int
		 FROM "Expense"
		 WHERE ($1::text IS NULL AND "userId" = $2 AND "organizationId" IS NULL
		        OR $1::text IS NOT NULL AND "organizationId" = $1)
		   AND status <> 'REJECTED'
		   AND "spentAt" >= $3 AND "spentAt" < $4`,
		`SELECT name, SUM(amount)::float8 AS total, COUNT(*)::int
		 FROM "Expense"
		 WHERE ($1::text IS NULL AND "userId" = $2 AND "organizationId" IS NULL
		        OR $1::text IS NOT NULL AND "organizationId" = $1)
		   AND status <> 'REJECTED'
		   AND "spentAt" >= $3 AND "spentAt" < $4
		 GROUP BY name
		 ORDER BY total DESC
		 LIMIT 5`,
	)
}

func (a *App) aggregateIncome(ctx context.Context, user AuthUser, org *organizationContext, start, end time.Time) (periodAggregate, error) {
	return a.aggregateRecords(ctx, user, org, start, end,
		`SELECT COALESCE(SUM(amount), 0)::float8, COUNT(*)::int
		 FROM "Income"
		 WHERE ($1::text IS NULL AND "userId" = $2 AND "organizationId" IS NULL
		        OR $1::text IS NOT NULL AND "organizationId" = $1)
		   AND "receivedAt" >= $3 AND "receivedAt" < $4`,
		`SELECT name, SUM(amount)::float8 AS total, COUNT(*)::int
		 FROM "Income"
		 WHERE ($1::text IS NULL AND "userId" = $2 AND "organizationId" IS NULL
		        OR $1::text IS NOT NULL AND "organizationId" = $1)
		   AND "receivedAt" >= $3 AND "receivedAt" < $4
		 GROUP BY name
		 ORDER BY total DESC
		 LIMIT 5`,
	)
}

func (a *App) aggregateRecords(
	ctx context.Context,
	user AuthUser,
	org *organizationContext,
	start, end time.Time,
	totalQuery, topQuery string,
) (periodAggregate, error) {
	result := periodAggregate{}
	if err := a.db.QueryRow(ctx, totalQuery, orgRef(org), user.ID, start, end).Scan(&result.Total, &result.Count); err != nil {
		return periodAggregate{}, err
	}
	if result.Count == 0 {
		return result, nil
	}

	rows, err := a.db.Query(ctx, topQuery, orgRef(org), user.ID, start, end)
	if err != nil {
		return periodAggregate{}, err
	}
	defer rows.Close()

	for rows.Next() {
		entry := topEntry{}
		if err := rows.Scan(&entry.Name, &entry.Amount, &entry.Count); err != nil {
			return periodAggregate{}, err
		}
		result.Top = append(result.Top, entry)
	}
	return result, rows.Err()
}

func (a *App) handleQuerySpending(
	ctx context.Context,
	user AuthUser,
	org *organizationContext,
	parsed *ParsedIntent,
	now time.Time,
) (handlerResult, error) {
	period := normalizePeriod(extractStringFromMap(parsed.Data, "period"))
	start, end := periodWindow(period, now)

	agg, err := a.aggregateExpenses(ctx, user, org, start, end)
	if err != nil {
		log.Printf("query_spending failed user_id=%s org=%s err=%v", user.ID, orgLabel(org), err)
		return handlerResult{Success: false, Reply: "I could not load your spending right now."}, nil
	}

	metadata := map[string]any{
		"period": period,
		"total":  agg.Total,
		"count":  agg.Count,
		"top":    topEntriesMeta(agg.Top),
	}
	if agg.Count == 0 {
		return handlerResult{Success: true, Reply: emptySpendingReply, Metadata: metadata}, nil
	}

	symbol := a.currencyFor(org)
	lines := []string{
		fmt.Sprintf("You spent %s across %d expense(s) for period %s.", formatAmount(symbol, agg.Total), agg.Count, periodLabel(period)),
	}
	if len(agg.Top) > 0 {
		lines = append(lines, "Top expenses:")
		for _, entry := range agg.Top {
			lines = append(lines, fmt.Sprintf("- %s: %s (%dx)", entry.Name, formatAmount(symbol, entry.Amount), entry.Count))
		}
	}
	return handlerResult{Success: true, Reply: strings.Join(lines, "\n"), Metadata: metadata}, nil
}

func (a *App) handleQueryIncome(
	ctx context.Context,
	user AuthUser,
	org *organizationContext,
	parsed *ParsedIntent,
	now time.Time,
) (handlerResult, error) {
	period := normalizePeriod(extractStringFromMap(parsed.Data, "period"))
	start, end := periodWindow(period, now)

	agg, err := a.aggregateIncome(ctx, user, org, start, end)
	if err != nil {
		log.Printf("query_income failed user_id=%s org=%s err=%v", user.ID, orgLabel(org), err)
		return handlerResult{Success: false, Reply: "I could not load your income right now."}, nil
	}

	metadata := map[string]any{
		"period": period,
		"total":  agg.Total,
		"count":  agg.Count,
		"top":    topEntriesMeta(agg.Top),
	}
	if agg.Count == 0 {
		return handlerResult{Success: true, Reply: emptyIncomeReply, Metadata: metadata}, nil
	}

	symbol := a.currencyFor(org)
	lines := []string{
		fmt.Sprintf("You received %s across %d income record(s) for period %s.", formatAmount(symbol, agg.Total), agg.Count, periodLabel(period)),
	}
	if len(agg.Top) > 0 {
		lines = append(lines, "Top sources:")
		for _, entry := range agg.Top {
			lines = append(lines, fmt.Sprintf("- %s: %s (%dx)", entry.Name, formatAmount(symbol, entry.Amount), entry.Count))
		}
	}
	return handlerResult{Success: true, Reply: strings.Join(lines, "\n"), Metadata: metadata}, nil
}

func (a *App) handleFinancialSummary(
	ctx context.Context,
	user AuthUser,
	org *organizationContext,
	parsed *ParsedIntent,
	now time.Time,
) (handlerResult, error) {
	period := normalizePeriod(extractStringFromMap(parsed.Data, "period"))
	start, end := periodWindow(period, now)

	expenses, err := a.aggregateExpenses(ctx, user, org, start, end)
	if err != nil {
		log.Printf("financial_summary expenses failed user_id=%s org=%s err=%v", user.ID, orgLabel(org), err)
		return handlerResult{Success: false, Reply: "I could not build your summary right now."}, nil
	}
	income, err := a.aggregateIncome(ctx, user, org, start, end)
	if err != nil {
		log.Printf("financial_summary income failed user_id=%s org=%s err=%v", user.ID, orgLabel(org), err)
		return handlerResult{Success: false, Reply: "I could not build your summary right now."}, nil
	}

	net := income.Total - expenses.Total
	days := elapsedDaysInWindow(start, end, now)
	dailyAverage := expenses.Total / float64(days)

	symbol := a.currencyFor(org)
	tip := "You are spending more than you earn this period. Consider trimming the biggest expense categories."
	if net >= 0 {
		tip = "You are saving this period. Nice work keeping spending below income."
	}

	reply := strings.Join([]string{
		fmt.Sprintf("Summary for period %s:", periodLabel(period)),
		fmt.Sprintf("- Income: %s (%d record(s))", formatAmount(symbol, income.Total), income.Count),
		fmt.Sprintf("- Expenses: %s (%d record(s))", formatAmount(symbol, expenses.Total), expenses.Count),
		fmt.Sprintf("- Net: %s", formatAmount(symbol, net)),
		fmt.Sprintf("- Average daily spend: %s", formatAmount(symbol, dailyAverage)),
		tip,
	}, "\n")

	return handlerResult{
		Success: true,
		Reply:   reply,
		Metadata: map[string]any{
			"period":        period,
			"income_total":  income.Total,
			"expense_total": expenses.Total,
			"net":           net,
			"daily_average": dailyAverage,
			"elapsed_days":  days,
		},
	}, nil
}

func topEntriesMeta(entries []topEntry) []map[string]any {
	result := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		result = append(result, map[string]any{
			"name":   entry.Name,
			"amount": entry.Amount,
			"count":  entry.Count,
		})
	}
	return result
}

func periodLabel(period string) string {
	return strings.ReplaceAll(period, "_", " ")
}

func orgRef(org *organizationContext) any {
	if org == nil {
		return nil
	}
	return org.ID
}

func orgLabel(org *organizationContext) string {
	if org == nil {
		return "personal"
	}
	return org.ID
}
