package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lmtoy/pipeline-web/errors"
	"github.com/lmtoy/pipeline-web/pkg/projects"
)

// projectKey is the gin context key of the authenticated project.
const projectKey = "pipeweb_project"

// bearerToken extracts the API token from "Authorization: Bearer <token>"
// or the X-API-Token header.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return strings.TrimSpace(r.Header.Get("X-API-Token"))
}

// authenticate resolves the caller to a project through an API token or,
// failing that, HTTP basic credentials of PID and password.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		now := time.Now()
		var (
			p   projects.Project
			err error
		)
		if token := bearerToken(c.Request); token != "" {
			p, err = s.Projects.AuthenticateToken(token, now)
		} else if user, pass, ok := c.Request.BasicAuth(); ok {
			p, err = s.Projects.Authenticate(user, pass, now)
		} else {
			err = errors.New(errors.ErrCodePermissionDenied, "authentication required")
		}
		if err != nil {
			c.Header("WWW-Authenticate", `Bearer realm="pipeweb"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Code:    errors.ErrCodePermissionDenied,
				Message: messageOf(err),
			})
			return
		}
		c.Set(projectKey, p)
		c.Next()
	}
}

func messageOf(err error) string {
	var pe *errors.PipelineError
	if errors.As(err, &pe) {
		return pe.Message
	}
	return err.Error()
}

// caller returns the authenticated project.
func caller(c *gin.Context) projects.Project {
	v, _ := c.Get(projectKey)
	p, _ := v.(projects.Project)
	return p
}

// authorizeProject restricts /projects/:pid to that project and admins.
func (s *Server) authorizeProject() gin.HandlerFunc {
	return func(c *gin.Context) {
		p := caller(c)
		if !p.Admin && p.PID != c.Param("pid") {
			fail(c, errors.New(errors.ErrCodePermissionDenied, "not authorized for project "+c.Param("pid")))
			return
		}
		c.Next()
	}
}

// requireAdmin guards fleet mutations.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !caller(c).Admin {
			fail(c, errors.New(errors.ErrCodePermissionDenied, "administrator access required"))
			return
		}
		c.Next()
	}
}

func (s *Server) handleWhoami(c *gin.Context) {
	c.JSON(http.StatusOK, caller(c))
}

func (s *Server) handleProject(c *gin.Context) {
	p, ok := s.Projects.Get(c.Param("pid"))
	if !ok {
		fail(c, errors.NotFound("project", c.Param("pid")))
		return
	}
	c.JSON(http.StatusOK, p)
}
