package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func (a *App) createOrganization(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var payload organizationCreateRequest
	if !mustJSON(c, &payload) {
		return
	}

	name := strings.TrimSpace(payload.Name)
	if name == "" {
		writeError(c, http.StatusBadRequest, "name is required")
		return
	}
	currency := strings.TrimSpace(payload.Currency)
	if currency == "" {
		currency = a.cfg.Currency
	}

	tx, err := a.db.Begin(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to start transaction")
		return
	}
	defer tx.Rollback(c.Request.Context())

	orgID := uuid.NewString()
	var createdAt time.Time
	err = tx.QueryRow(
		c.Request.Context(),
		`INSERT INTO "Organization" (id, name, currency, "ownerId", "createdAt")
		 VALUES ($1, $2, $3, $4, NOW())
		 RETURNING "createdAt"`,
		orgID,
		name,
		currency,
		user.ID,
	).Scan(&createdAt)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to create organization")
		return
	}

	if err := insertOrganizationMember(c.Request.Context(), tx, orgID, user.ID, roleOwner); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to create organization membership")
		return
	}

	if err := tx.Commit(c.Request.Context()); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to create organization")
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"organization_id": orgID,
		"name":            name,
		"currency":        currency,
		"role":            roleOwner,
		"created_at":      createdAt.UTC(),
	})
}

// insertOrganizationMember runs on the pool or inside a transaction.
func insertOrganizationMember(ctx context.Context, q dbQuerier, orgID, userID, role string) error {
	_, err := q.Exec(
		ctx,
		`INSERT INTO "OrganizationMember" (id, "organizationId", "userId", role, status, "createdAt")
		 VALUES ($1, $2, $3, $4, 'ACTIVE', NOW())`,
		uuid.NewString(),
		orgID,
		userID,
		role,
	)
	return err
}

func (a *App) listOrganizations(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}

	rows, err := a.db.Query(
		c.Request.Context(),
		`SELECT o.id, o.name, o.currency, m.role, o."createdAt"
		 FROM "Organization" o
		 JOIN "OrganizationMember" m ON m."organizationId" = o.id
		 WHERE m."userId" = $1 AND m.status = 'ACTIVE'
		 ORDER BY o."createdAt" ASC`,
		user.ID,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load organizations")
		return
	}
	defer rows.Close()

	items := make([]gin.H, 0)
	for rows.Next() {
		var id, name, currency, role string
		var createdAt time.Time
		if err := rows.Scan(&id, &name, &currency, &role, &createdAt); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to parse organizations")
			return
		}
		items = append(items, gin.H{
			"organization_id": id,
			"name":            name,
			"currency":        currency,
			"role":            role,
			"created_at":      createdAt.UTC(),
		})
	}

	c.JSON(http.StatusOK, gin.H{"organizations": items})
}
