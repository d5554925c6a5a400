package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"pushbridge/internal/store"
)

type adminUserRequest struct {
	Name        string   `json:"name" binding:"required"`
	Emails      []string `json:"emails" binding:"required"`
	PushEnabled *bool    `json:"push_enabled"`
}

// UpsertUser mirrors one user from the host directory. Emails replace the
// stored set; push_enabled is only touched when present.
func (h *Handlers) UpsertUser(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	var req adminUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	for _, e := range req.Emails {
		if strings.TrimSpace(e) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "empty email address"})
			return
		}
	}

	ctx := c.Request.Context()
	if err := h.Store.UpsertUser(ctx, store.User{ID: id, Name: req.Name, Emails: req.Emails}); err != nil {
		h.internal(c, err)
		return
	}
	if req.PushEnabled != nil {
		if err := h.Store.SetPushEnabled(ctx, id, *req.PushEnabled); err != nil {
			h.internal(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"user_id": id})
}

// AdminStatus is the operator readout: storage counts, channel availability,
// background goroutine state, and the last maintenance pass.
func (h *Handlers) AdminStatus(c *gin.Context) {
	stats, err := h.Store.Stats(c.Request.Context())
	if err != nil {
		h.internal(c, err)
		return
	}

	avail := h.Availability()
	resp := gin.H{
		"storage": stats,
		"channels": gin.H{
			"telegram": avail.Telegram,
			"push":     avail.Push,
		},
	}
	if h.Runtime != nil {
		resp["runtime"] = h.Runtime()
	}
	if last, ok := h.Janitor.Last(); ok {
		resp["last_maintenance"] = last
	}
	c.JSON(http.StatusOK, resp)
}

// AdminDeliveries lists recent audit rows, optionally scoped to one user.
func (h *Handlers) AdminDeliveries(c *gin.Context) {
	var uid int64
	if raw := c.Query("user_id"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
			return
		}
		uid = v
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 || v > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = v
	}

	rows, err := h.Store.RecentDeliveries(c.Request.Context(), uid, limit)
	if err != nil {
		h.internal(c, err)
		return
	}

	type row struct {
		ID        int64    `json:"id"`
		UserID    int64    `json:"user_id"`
		Type      string   `json:"type"`
		Channels  []string `json:"channels"`
		EventID   string   `json:"event_id,omitempty"`
		Subject   string   `json:"subject"`
		Success   bool     `json:"success"`
		Error     string   `json:"error,omitempty"`
		CreatedAt string   `json:"created_at"`
	}
	out := make([]row, 0, len(rows))
	for _, r := range rows {
		out = append(out, row{
			ID:        r.ID,
			UserID:    r.UserID,
			Type:      r.Type,
			Channels:  r.Channels,
			EventID:   r.EventID,
			Subject:   r.Subject,
			Success:   r.Success,
			Error:     r.Error,
			CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": out})
}

// RunMaintenance triggers a maintenance pass outside the schedule.
func (h *Handlers) RunMaintenance(c *gin.Context) {
	res := h.Janitor.Run(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"result": res})
}
