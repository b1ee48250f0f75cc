package server

import (
	"errors"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/loykin/simrunner/internal/archive"
)

func (r *Router) archive(c *gin.Context) *archive.Archive {
	a := r.mgr.Archive()
	if a == nil {
		c.String(http.StatusServiceUnavailable, "no archive configured")
	}
	return a
}

func (r *Router) handleAllSimulations(c *gin.Context) {
	a := r.archive(c)
	if a == nil {
		return
	}
	all, err := a.All()
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, all)
}

func (r *Router) handleSimulation(c *gin.Context) {
	a := r.archive(c)
	if a == nil {
		return
	}
	id := c.Query("uuid")
	if id == "" {
		c.String(http.StatusBadRequest, "No simulation UUID provided")
		return
	}
	data, err := a.IndexData(id)
	if err != nil {
		r.archiveError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

// handleFrameData serves a viz file. Viz files are stored zlib compressed,
// which is the deflate content coding, so bytes are sent as stored.
func (r *Router) handleFrameData(c *gin.Context) {
	r.serveFrameFile(c, (*archive.Archive).BinFile, "deflate")
}

func (r *Router) handleStepData(c *gin.Context) {
	r.serveFrameFile(c, (*archive.Archive).StepFile, "")
}

func (r *Router) serveFrameFile(c *gin.Context, pick func(*archive.Archive, string, int) (string, error), encoding string) {
	a := r.archive(c)
	if a == nil {
		return
	}
	id, rawIdx := c.Query("uuid"), c.Query("index")
	if rawIdx == "" {
		c.String(http.StatusBadRequest, "No frame index provided")
		return
	}
	if id == "" {
		c.String(http.StatusBadRequest, "No simulation UUID provided")
		return
	}
	idx, err := strconv.Atoi(rawIdx)
	if err != nil || idx < 0 {
		c.String(http.StatusBadRequest, "Invalid frame index")
		return
	}
	path, err := pick(a, id, idx)
	if err != nil {
		r.archiveError(c, err)
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		r.archiveError(c, err)
		return
	}
	if encoding != "" {
		c.Header("Content-Encoding", encoding)
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}

func (r *Router) archiveError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, archive.ErrNotFound), errors.Is(err, os.ErrNotExist):
		c.String(http.StatusNotFound, err.Error())
	default:
		r.log.Error("archive read failed", "path", c.Request.URL.Path, "error", err)
		c.String(http.StatusInternalServerError, err.Error())
	}
}
