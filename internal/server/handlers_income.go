package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func (a *App) createIncome(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var payload incomeCreateRequest
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
	if orgID != "" {
		if _, statusCode, err := a.assertOrganizationAccess(c.Request.Context(), user.ID, orgID, writeRoles); err != nil {
			writeError(c, statusCode, err.Error())
			return
		}
	}

	receivedAt := time.Now().UTC()
	if strings.TrimSpace(payload.Date) != "" {
		parsed, err := parseDate(payload.Date)
		if err != nil {
			writeError(c, http.StatusBadRequest, "date must be an ISO date (YYYY-MM-DD)")
			return
		}
		receivedAt = parsed
	}

	source := strings.TrimSpace(payload.Source)
	if source == "" {
		source = "other"
	}

	incomeID := uuid.NewString()
	var createdAt time.Time
	err := a.db.QueryRow(
		c.Request.Context(),
		`INSERT INTO "Income" (id, "userId", "organizationId", name, amount, source, description, "receivedAt", "createdAt")
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		 RETURNING "createdAt"`,
		incomeID,
		user.ID,
		nullableOrgRef(orgID),
		name,
		payload.Amount,
		source,
		strings.TrimSpace(payload.Description),
		receivedAt,
	).Scan(&createdAt)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to create income")
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"income_id":   incomeID,
		"name":        name,
		"amount":      payload.Amount,
		"source":      source,
		"received_at": receivedAt,
		"created_at":  createdAt.UTC(),
	})
}

func (a *App) listIncome(c *gin.Context) {
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
		`SELECT id, name, amount, source, description, "receivedAt", "createdAt"
		 FROM "Income"
		 WHERE ($1::text IS NULL AND "userId" = $2 AND "organizationId" IS NULL
		        OR $1::text IS NOT NULL AND "organizationId" = $1)
		   AND "receivedAt" >= $3 AND "receivedAt" < $4
		 ORDER BY "receivedAt" DESC, "createdAt" DESC`,
		orgRef(org),
		user.ID,
		start,
		end,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load income")
		return
	}
	defer rows.Close()

	items := make([]gin.H, 0)
	var total float64
	for rows.Next() {
		var id, name, source string
		var description *string
		var amount float64
		var receivedAt, createdAt time.Time
		if err := rows.Scan(&id, &name, &amount, &source, &description, &receivedAt, &createdAt); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to parse income")
			return
		}
		total += amount
		item := gin.H{
			"income_id":   id,
			"name":        name,
			"amount":      amount,
			"source":      source,
			"received_at": receivedAt.UTC(),
			"created_at":  createdAt.UTC(),
		}
		if description != nil && strings.TrimSpace(*description) != "" {
			item["description"] = *description
		}
		items = append(items, item)
	}

	c.JSON(http.StatusOK, gin.H{
		"period": period,
		"total":  total,
		"count":  len(items),
		"income": items,
	})
}
