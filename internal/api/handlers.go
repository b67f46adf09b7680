package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.ledger.Health(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) handleStatus(c *gin.Context) {
	p50, p95, p99 := s.latency.Percentiles()
	c.JSON(http.StatusOK, gin.H{
		"generator": s.gen.Status(),
		"latency": gin.H{
			"p50_ms": p50.Milliseconds(),
			"p95_ms": p95.Milliseconds(),
			"p99_ms": p99.Milliseconds(),
		},
		"integrity_checkpoint": s.integrity.Checkpoint(),
	})
}

func (s *Server) handleSources(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sources": s.registry.HealthReport()})
}

func (s *Server) handleLatestSignals(c *gin.Context) {
	symbol := c.Param("symbol")
	n, err := strconv.Atoi(c.DefaultQuery("n", "20"))
	if err != nil || n < 1 || n > 500 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "n must be in [1,500]"})
		return
	}

	signals, err := s.ledger.GetLatest(c.Request.Context(), symbol, n)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "signals": signals})
}

func (s *Server) handleSignalRange(c *gin.Context) {
	symbol := c.Param("symbol")
	from, err := time.Parse(time.RFC3339, c.Query("from"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
		return
	}
	to, err := time.Parse(time.RFC3339, c.Query("to"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
		return
	}

	signals, err := s.ledger.Range(c.Request.Context(), symbol, from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "signals": signals})
}

func (s *Server) handleQueueDepths(c *gin.Context) {
	depths, err := s.queue.Depths(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"depths": depths})
}

func (s *Server) handleAuditLog(c *gin.Context) {
	n, err := strconv.Atoi(c.DefaultQuery("n", "100"))
	if err != nil || n < 1 || n > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "n must be in [1,1000]"})
		return
	}

	entries, err := s.ledger.AuditLog(c.Request.Context(), n)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// handleVerify runs an on-demand chain verification over a requested range.
func (s *Server) handleVerify(c *gin.Context) {
	var req struct {
		From int64 `json:"from"`
		To   int64 `json:"to"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.From < 1 || req.To < req.From {
		c.JSON(http.StatusBadRequest, gin.H{"error": "need 1 <= from <= to"})
		return
	}

	res, err := s.ledger.VerifyChain(c.Request.Context(), req.From, req.To)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	status := http.StatusOK
	if !res.Valid {
		status = http.StatusConflict
	}
	c.JSON(status, res)
}
