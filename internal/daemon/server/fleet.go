package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lmtoy/pipeline-web/pkg/fleet"
)

func (s *Server) handleDiscover(c *gin.Context) {
	byYear, err := s.Fleet.Discover(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"by_year": byYear, "repos": fleet.Flatten(byYear)})
}

func (s *Server) handleRepoStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Fleet.Status(c.Request.Context(), c.Param("name")))
}

// handleFleetSummary serves the monitor's cached summary unless ?live=true
// or nothing is cached yet.
func (s *Server) handleFleetSummary(c *gin.Context) {
	if s.State != nil && c.Query("live") != "true" {
		if sum := s.State.GetFleet(); sum != nil {
			c.JSON(http.StatusOK, sum)
			return
		}
	}
	sum, err := s.Fleet.Summary(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (s *Server) handleReconcileFleet(c *gin.Context) {
	results, err := s.Fleet.ReconcileFleet(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

func (s *Server) handleReconcileOne(c *gin.Context) {
	res := s.Fleet.ReconcileOne(c.Request.Context(), c.Param("name"))
	status := http.StatusOK
	if !res.OK {
		status = http.StatusBadGateway
	}
	c.JSON(status, res)
}

func (s *Server) handleListRemote(c *gin.Context) {
	names, err := s.Fleet.ListRemote(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, names)
}
