package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/casualjim/grimoire"
	"github.com/casualjim/grimoire/pkg/slogx"
	"github.com/casualjim/grimoire/provider"
	"github.com/casualjim/grimoire/runner"
	"github.com/casualjim/grimoire/spells"
	"github.com/casualjim/grimoire/store"
	"github.com/gin-gonic/gin"
)

func (s *Server) renderError(c *gin.Context, err error) {
	se := spells.AsServerError(err)
	if se.StatusCode() >= http.StatusInternalServerError {
		s.logger.ErrorContext(c.Request.Context(), "request failed", slogx.Error(err), "path", c.FullPath())
	}
	c.JSON(se.StatusCode(), gin.H{"error": se.Code, "message": se.Message})
}

// bind decodes the JSON body into dst. An empty body reports false without
// rendering so handlers can produce their own missing-parameters error.
func (s *Server) bind(c *gin.Context, dst any) (ok bool, empty bool) {
	if err := c.ShouldBindJSON(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return false, true
		}
		s.renderError(c, spells.InputFailed("Invalid request body: %v", err))
		return false, false
	}
	return true, false
}

func (s *Server) project(c *gin.Context, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	if q := c.Query("projectId"); q != "" {
		return q
	}
	return s.projectID
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleFindSpells(c *gin.Context) {
	q := store.Query{
		ProjectID: s.project(c, ""),
		Name:      c.Query("name"),
	}
	var err error
	if v := c.Query("limit"); v != "" {
		if q.Limit, err = strconv.Atoi(v); err != nil || q.Limit < 0 {
			s.renderError(c, spells.InputFailed("Invalid limit %q", v))
			return
		}
	}
	if v := c.Query("offset"); v != "" {
		if q.Offset, err = strconv.Atoi(v); err != nil || q.Offset < 0 {
			s.renderError(c, spells.InputFailed("Invalid offset %q", v))
			return
		}
	}

	list, err := s.spells.Find(c.Request.Context(), q)
	if err != nil {
		s.renderError(c, err)
		return
	}
	if list == nil {
		list = []grimoire.Spell{}
	}
	c.JSON(http.StatusOK, gin.H{"data": list})
}

func (s *Server) handleGetSpell(c *gin.Context) {
	spell, err := s.spells.Get(c.Request.Context(), s.project(c, ""), c.Param("name"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, spell)
}

func (s *Server) handleCreateSpell(c *gin.Context) {
	var spell grimoire.Spell
	ok, empty := s.bind(c, &spell)
	if empty {
		s.renderError(c, spells.InputFailed("No parameters provided"))
	}
	if !ok {
		return
	}
	spell.ProjectID = s.project(c, spell.ProjectID)

	created, err := s.spells.Create(c.Request.Context(), spell)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) handleUpdateSpell(c *gin.Context) {
	var spell grimoire.Spell
	ok, empty := s.bind(c, &spell)
	if empty {
		s.renderError(c, spells.InputFailed("No parameters provided"))
	}
	if !ok {
		return
	}
	spell.Name = c.Param("name")
	spell.ProjectID = s.project(c, spell.ProjectID)

	updated, err := s.spells.Update(c.Request.Context(), spell)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) handleDeleteSpell(c *gin.Context) {
	if err := s.spells.Delete(c.Request.Context(), s.project(c, ""), c.Param("name")); err != nil {
		s.renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSaveDiff(c *gin.Context) {
	var req spells.SaveDiffRequest
	ok, empty := s.bind(c, &req)
	if !ok && !empty {
		return
	}
	var body *spells.SaveDiffRequest
	if ok {
		req.ProjectID = s.project(c, req.ProjectID)
		body = &req
	}

	updated, err := s.spells.SaveDiff(c.Request.Context(), body)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) handleUpdateRunner(c *gin.Context) {
	var req runner.UpdateRequest
	ok, empty := s.bind(c, &req)
	if empty {
		s.renderError(c, spells.InputFailed("No parameters provided"))
	}
	if !ok {
		return
	}
	req.ProjectID = s.project(c, req.ProjectID)

	spell, err := s.runner.Update(c.Request.Context(), c.Param("name"), req)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, spell)
}

func (s *Server) handleRunSpell(c *gin.Context) {
	var req runner.RunRequest
	ok, empty := s.bind(c, &req)
	if !ok && !empty {
		return
	}
	req.SpellName = c.Param("name")
	req.ProjectID = s.project(c, req.ProjectID)

	outputs, err := s.runner.Run(c.Request.Context(), req)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outputs": outputs})
}

type completionRequest struct {
	provider.CompletionData
	ProjectID string `json:"projectId"`
}

func (s *Server) handleCompletion(c *gin.Context) {
	var req completionRequest
	ok, empty := s.bind(c, &req)
	if empty {
		s.renderError(c, spells.InputFailed("No parameters provided"))
	}
	if !ok {
		return
	}
	if req.Model == "" || req.Prompt == "" {
		s.renderError(c, spells.InputFailed("model and prompt are required"))
		return
	}
	res := s.provider.Complete(c.Request.Context(), req.CompletionData, s.project(c, req.ProjectID))
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleListRequests(c *gin.Context) {
	list, err := s.requests.ListRequests(c.Request.Context(), s.project(c, ""))
	if err != nil {
		s.renderError(c, err)
		return
	}
	if list == nil {
		list = []store.Request{}
	}
	c.JSON(http.StatusOK, gin.H{"data": list})
}
