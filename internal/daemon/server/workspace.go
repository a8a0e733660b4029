package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lmtoy/pipeline-web/pkg/runfile"
	"github.com/lmtoy/pipeline-web/pkg/workspace"
)

// CloneSessionRequest creates Session-<tag> from an existing session.
type CloneSessionRequest struct {
	Source string `json:"source"`
	Tag    string `json:"tag" binding:"required,max=64"`
}

// AddRunfileRequest creates an empty runfile.
type AddRunfileRequest struct {
	Name string `json:"name" binding:"required"`
}

// CloneRunfileRequest copies a runfile within its session.
type CloneRunfileRequest struct {
	NewName string `json:"new_name" binding:"required"`
}

// WriteRunfileRequest replaces a runfile's rows. The write is refused when
// the project's dialect reports errors.
type WriteRunfileRequest struct {
	Rows []runfile.Row `json:"rows" binding:"required"`
}

// RowsRequest selects rows by index.
type RowsRequest struct {
	Indices []int `json:"indices" binding:"required,min=1,dive,gte=0"`
}

// UpdateColumnRequest sets one key on the selected rows.
type UpdateColumnRequest struct {
	Indices []int  `json:"indices" binding:"required,min=1,dive,gte=0"`
	Key     string `json:"key" binding:"required"`
	Value   string `json:"value"`
}

// NotesRequest replaces a runfile's notes.
type NotesRequest struct {
	Notes string `json:"notes"`
}

// session resolves :pid and :session, writing the error on failure.
func (s *Server) session(c *gin.Context) (workspace.Session, bool) {
	sess, err := s.Sessions.Session(c.Param("pid"), c.Param("session"))
	if err != nil {
		fail(c, err)
		return workspace.Session{}, false
	}
	return sess, true
}

func (s *Server) handleListSessions(c *gin.Context) {
	sessions, err := s.Sessions.ListSessions(c.Param("pid"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sessions)
}

func (s *Server) handleCloneSession(c *gin.Context) {
	var req CloneSessionRequest
	if !bind(c, &req) {
		return
	}
	sess, err := s.Sessions.CloneSession(c.Param("pid"), req.Source, req.Tag)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	if err := s.Sessions.DeleteSession(c.Param("pid"), c.Param("session")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListRunfiles(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	names, err := s.Sessions.ListRunfiles(sess)
	if err != nil {
		fail(c, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"session": sess, "runfiles": names})
}

func (s *Server) handleAddRunfile(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	var req AddRunfileRequest
	if !bind(c, &req) {
		return
	}
	path, err := s.Sessions.AddRunfile(sess, req.Name)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"name": req.Name, "path": path})
}

func (s *Server) handleReadRunfile(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	rf, err := s.Sessions.ReadRunfile(sess, c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rf)
}

func (s *Server) handleWriteRunfile(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	var req WriteRunfileRequest
	if !bind(c, &req) {
		return
	}
	d, err := s.Sessions.Dialect(sess.PID)
	if err != nil {
		fail(c, err)
		return
	}
	name := c.Param("name")
	issues, err := s.Sessions.WriteValidated(sess, name, req.Rows, d)
	if err != nil {
		failWrite(c, name, err)
		return
	}
	if issues == nil {
		issues = []runfile.Issue{}
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "issues": issues})
}

// failWrite reports a refused runfile write as 422 with the issues, each
// naming its line and column. Other errors go through fail.
func failWrite(c *gin.Context, name string, err error) {
	issues := workspace.Issues(err)
	if !runfile.HasErrors(issues) {
		fail(c, err)
		return
	}
	c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
		"name":   name,
		"issues": issues,
		"error":  "runfile has validation errors",
	})
}

func (s *Server) handleDeleteRunfile(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	if err := s.Sessions.DeleteRunfile(sess, c.Param("name")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleCloneRunfile(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	var req CloneRunfileRequest
	if !bind(c, &req) {
		return
	}
	path, err := s.Sessions.CloneRunfile(sess, c.Param("name"), req.NewName)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"name": req.NewName, "path": path})
}

func (s *Server) handleValidateRunfile(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	d, err := s.Sessions.Dialect(sess.PID)
	if err != nil {
		fail(c, err)
		return
	}
	issues, err := s.Sessions.ValidateRunfile(sess, c.Param("name"), d)
	if err != nil {
		fail(c, err)
		return
	}
	if issues == nil {
		issues = []runfile.Issue{}
	}
	c.JSON(http.StatusOK, gin.H{"dialect": d, "valid": !runfile.HasErrors(issues), "issues": issues})
}

// rowsEdit runs one of the row editing operations. The result must
// validate in the project's dialect.
func (s *Server) rowsEdit(c *gin.Context, edit func(workspace.Session, string, workspace.EditOption) ([]runfile.Row, error)) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	d, err := s.Sessions.Dialect(sess.PID)
	if err != nil {
		fail(c, err)
		return
	}
	name := c.Param("name")
	rows, err := edit(sess, name, workspace.ValidateAs(d))
	if err != nil {
		failWrite(c, name, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows": rows})
}

func (s *Server) handleDeleteRows(c *gin.Context) {
	var req RowsRequest
	if !bind(c, &req) {
		return
	}
	s.rowsEdit(c, func(sess workspace.Session, name string, opt workspace.EditOption) ([]runfile.Row, error) {
		return s.Sessions.DeleteRows(sess, name, req.Indices, opt)
	})
}

func (s *Server) handleCloneRows(c *gin.Context) {
	var req RowsRequest
	if !bind(c, &req) {
		return
	}
	s.rowsEdit(c, func(sess workspace.Session, name string, opt workspace.EditOption) ([]runfile.Row, error) {
		return s.Sessions.CloneRows(sess, name, req.Indices, opt)
	})
}

func (s *Server) handleUpdateColumn(c *gin.Context) {
	var req UpdateColumnRequest
	if !bind(c, &req) {
		return
	}
	s.rowsEdit(c, func(sess workspace.Session, name string, opt workspace.EditOption) ([]runfile.Row, error) {
		return s.Sessions.UpdateColumn(sess, name, req.Indices, req.Key, req.Value, opt)
	})
}

func (s *Server) handleReadNotes(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	notes, err := s.Sessions.ReadNotes(sess, c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, NotesRequest{Notes: notes})
}

func (s *Server) handleWriteNotes(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	var req NotesRequest
	if !bind(c, &req) {
		return
	}
	if err := s.Sessions.WriteNotes(sess, c.Param("name"), req.Notes); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSources(c *gin.Context) {
	cat, err := s.Catalog.Extract(c.Request.Context(), c.Param("pid"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cat)
}
