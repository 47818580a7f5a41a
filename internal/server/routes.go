package server

// setupRoutes configures the debug server's routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/healthz", s.healthz)
	r.Get("/discover", s.handleDiscover)
	r.Get("/help", s.handleHelp)
	r.Get("/event", s.allEvents)
	r.Get("/logs", s.tailLogs)
}
