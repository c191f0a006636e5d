package dashboard

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/semaphore"
	"github.com/zulandar/signalbox/internal/store"
)

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, rep *semaphore.Reporter, st *store.Store) {
	router.GET("/healthz", handleHealth)

	// Ingest: the agent host posts lifecycle events here.
	router.POST("/api/events", handleIngest(rep))

	// Observe.
	router.GET("/api/sessions", handleSessions(rep))
	router.GET("/api/breaker", handleBreaker(rep))
	router.GET("/api/runs", handleRuns(st))
	router.GET("/api/conversations", handleConversations(st))
	router.GET("/api/stream", handleStream(rep))
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func handleSessions(rep *semaphore.Reporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		snaps := rep.Sessions()
		if snaps == nil {
			snaps = []semaphore.SessionSnapshot{}
		}
		c.JSON(http.StatusOK, snaps)
	}
}

func handleBreaker(rep *semaphore.Reporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		states := rep.BreakerSnapshot()
		if states == nil {
			states = []semaphore.BreakerState{}
		}
		c.JSON(http.StatusOK, states)
	}
}

func handleConversations(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := st.Conversations(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if rows == nil {
			rows = []models.ConversationSettings{}
		}
		c.JSON(http.StatusOK, rows)
	}
}

func handleRuns(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 50
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}

		runs, err := st.RecentRuns(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if runs == nil {
			runs = []models.RunRecord{}
		}
		c.JSON(http.StatusOK, runs)
	}
}
