package api

// setupRoutes configures the ops endpoints.
func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/health", s.handleHealth)
		v1.GET("/status", s.handleStatus)
		v1.GET("/sources", s.handleSources)

		signals := v1.Group("/signals")
		{
			signals.GET("/:symbol/latest", s.handleLatestSignals)
			signals.GET("/:symbol/range", s.handleSignalRange)
		}

		v1.GET("/queue/depths", s.handleQueueDepths)
		v1.GET("/audit", s.handleAuditLog)
		v1.POST("/verify", s.handleVerify)
	}
}
