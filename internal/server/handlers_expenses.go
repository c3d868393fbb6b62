package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func (a *App) createExpense(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var payload expenseCreateRequest
	if !mustJSON(c, &payload) {
		return
	}

	name := strings.TrimSpace(payload.Name)
	if name == "" {
		writeError(c, http.StatusBadRequest, "name is required")
		return
	}
	if payload.Amount <= 0 {
		writeError(c, http.StatusBadRequest, "amount must be greater than zero")
		return
	}

	orgID := strings.TrimSpace(payload.OrganizationID)
	status := "APPROVED"
	if orgID != "" {
		if _, statusCode, err := a.assertOrganizationAccess(c.Request.Context(), user.ID, orgID, writeRoles); err != nil {
			writeError(c, statusCode, err.Error())
			return
		}
		status = "PENDING"
	}

	spentAt := time.Now().UTC()
	if strings.TrimSpace(payload.Date) != "" {
		parsed, err := parseDate(payload.Date)
		if err != nil {
			writeError(c, http.StatusBadRequest, "date must be an ISO date (YYYY-MM-DD)")
			return
		}
		spentAt = parsed
	}

	category := strings.TrimSpace(payload.Category)
	if category == "" {
		category = "general"
	}

	expenseID := uuid.NewString()
	var createdAt time.Time
	err := a.db.QueryRow(
		c.Request.Context(),
		`INSERT INTO "Expense" (id, "userId", "organizationId", name, amount, category, description, status, "spentAt", "createdAt")
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		 RETURNING "createdAt"`,
		expenseID,
		user.ID,
		nullableOrgRef(orgID),
		name,
		payload.Amount,
		category,
		strings.TrimSpace(payload.Description),
		status,
		spentAt,
	).Scan(&createdAt)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to create expense")
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"expense_id": expenseID,
		"name":       name,
		"amount":     payload.Amount,
		"category":   category,
		"status":     status,
		"spent_at":   spentAt,
		"created_at": createdAt.UTC(),
	})
}

func (a *App) listExpenses(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	org, done := a.resolveOptionalOrgQuery(c, user)
	if done {
		return
	}

	period := normalizePeriod(c.Query("period"))
	start, end := periodWindow(period, time.Now())

	rows, err := a.db.Query(
		c.Request.Context(),
		`SELECT id, name, amount, category, description, status, "spentAt", "createdAt"
		 FROM "Expense"
		 WHERE ($1::text IS NULL AND "userId" = $2 AND "organizationId" IS NULL
		        OR $1::text IS NOT NULL AND "organizationId" = $1)
		   AND "spentAt" >= $3 AND "spentAt" < $4
		 ORDER BY "spentAt" DESC, "createdAt" DESC`,
		orgRef(org),
		user.ID,
		start,
		end,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load expenses")
		return
	}
	defer rows.Close()

	items := make([]gin.H, 0)
	var total float64
	for rows.Next() {
		var id, name, category, status string
		var description *string
		var amount float64
		var spentAt, createdAt time.Time
		if err := rows.Scan(&id, &name, &amount, &category, &description, &status, &spentAt, &createdAt); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to parse expenses")
			return
		}
		if status != "REJECTED" {
			total += amount
		}
		item := gin.H{
			"expense_id": id,
			"name":       name,
			"amount":     amount,
			"category":   category,
			"status":     status,
			"spent_at":   spentAt.UTC(),
			"created_at": createdAt.UTC(),
		}
		if description != nil && strings.TrimSpace(*description) != "" {
			item["description"] = *description
		}
		items = append(items, item)
	}

	c.JSON(http.StatusOK, gin.H{
		"period":   period,
		"total":    total,
		"count":    len(items),
		"expenses": items,
	})
}

// updateExpenseStatus drives the organization approval workflow. Personal
// expenses are created APPROVED and never pass through here.
func (a *App) updateExpenseStatus(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	expenseID := strings.TrimSpace(c.Param("expense_id"))
	if expenseID == "" {
		writeError(c, http.StatusBadRequest, "expense_id is required")
		return
	}

	var payload expenseStatusRequest
	if !mustJSON(c, &payload) {
		return
	}
	status, ok := normalizeExpenseStatus(payload.Status)
	if !ok {
		writeError(c, http.StatusBadRequest, "status must be one of: PENDING, APPROVED, REJECTED")
		return
	}

	var orgID *string
	err := a.db.QueryRow(
		c.Request.Context(),
		`SELECT "organizationId" FROM "Expense" WHERE id = $1`,
		expenseID,
	).Scan(&orgID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(c, http.StatusNotFound, "Expense not found")
		return
	}
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load expense")
		return
	}
	if orgID == nil {
		writeError(c, http.StatusBadRequest, "Personal expenses have no approval workflow")
		return
	}

	if _, statusCode, err := a.assertOrganizationAccess(c.Request.Context(), user.ID, *orgID, writeRoles); err != nil {
		writeError(c, statusCode, err.Error())
		return
	}

	if _, err := a.db.Exec(
		c.Request.Context(),
		`UPDATE "Expense" SET status = $2 WHERE id = $1`,
		expenseID,
		status,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to update expense status")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"expense_id": expenseID,
		"status":     status,
	})
}
