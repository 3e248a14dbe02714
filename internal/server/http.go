// Package server exposes the orchestrator's HTTP surface: the upload
// trigger, the polling status endpoint, the manual retry and cancel
// commands, and the operator export.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/okezie-m/studypipe/internal/common"
	"github.com/okezie-m/studypipe/internal/entity"
	"github.com/okezie-m/studypipe/internal/export"
	"github.com/okezie-m/studypipe/internal/pipeline"
	"github.com/okezie-m/studypipe/internal/repository"
)

type Server struct {
	log      *slog.Logger
	proc     *pipeline.Processor
	docs     repository.DocumentRepository
	exporter *export.Service
	db       *repository.DB
}

func New(log *slog.Logger, proc *pipeline.Processor, docs repository.DocumentRepository, exporter *export.Service, db *repository.DB) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{log: log, proc: proc, docs: docs, exporter: exporter, db: db}
}

// Router wires the gin engine. gatherer may be nil when metrics are off.
func (s *Server) Router(gatherer prometheus.Gatherer) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.handleHealth)
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/v1")
	{
		v1.POST("/documents", s.handleCreateDocument)
		v1.GET("/documents/:id", s.handleGetStatus)
		v1.GET("/documents/:id/history", s.handleGetHistory)
		v1.POST("/documents/:id/retry", s.handleRetry)
		v1.DELETE("/documents/:id", s.handleCancel)
		v1.GET("/export", s.handleExport)
	}
	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.db.Health(c.Request.Context(), 3*time.Second); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "studypipe"})
}

type createDocumentRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	Title       string `json:"title"`
	SourceURI   string `json:"source_uri" binding:"required"`
	ContentType string `json:"content_type"`
}

// handleCreateDocument is the sole external entry point that starts the
// pipeline for an uploaded document.
func (s *Server) handleCreateDocument(c *gin.Context) {
	var req createDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id must be a UUID"})
		return
	}

	doc := &entity.Document{
		UserID:      userID,
		Title:       req.Title,
		SourceURI:   req.SourceURI,
		ContentType: req.ContentType,
	}
	ctx := c.Request.Context()
	if err := s.docs.Create(ctx, doc); err != nil {
		s.log.Error("server.create.failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create document"})
		return
	}
	if err := s.proc.StartDocument(ctx, doc.ID); err != nil {
		s.log.Error("server.start.failed", "document_id", doc.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start pipeline"})
		return
	}

	created, err := s.proc.Tracker().Get(ctx, doc.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load document"})
		return
	}
	c.JSON(http.StatusCreated, statusResponse(created))
}

// handleGetStatus is the read-only polling endpoint for import-progress
// clients.
func (s *Server) handleGetStatus(c *gin.Context) {
	id, ok := s.documentID(c)
	if !ok {
		return
	}
	doc, err := s.proc.Tracker().Get(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse(doc))
}

func (s *Server) handleGetHistory(c *gin.Context) {
	id, ok := s.documentID(c)
	if !ok {
		return
	}
	changes, err := s.proc.Tracker().History(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"document_id": id, "history": changes})
}

// handleRetry re-enters a failed document at the stage that failed.
func (s *Server) handleRetry(c *gin.Context) {
	id, ok := s.documentID(c)
	if !ok {
		return
	}
	if err := s.proc.RetryDocument(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	doc, err := s.proc.Tracker().Get(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse(doc))
}

// handleCancel cancels a document's active jobs; late completions of
// in-flight work are discarded at completion time.
func (s *Server) handleCancel(c *gin.Context) {
	id, ok := s.documentID(c)
	if !ok {
		return
	}
	n, err := s.proc.CancelDocument(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"document_id": id, "jobs_cancelled": n})
}

func (s *Server) handleExport(c *gin.Context) {
	data, err := s.exporter.PipelineReportXLSX(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	filename := fmt.Sprintf("studypipe-report-%s.xlsx", time.Now().UTC().Format("2006-01-02"))
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
}

func (s *Server) documentID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "document id must be a UUID"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) respondError(c *gin.Context, err error) {
	var appErr *common.AppError
	switch {
	case errors.Is(err, common.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
	case errors.As(err, &appErr) && errors.Is(err, common.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": appErr.Message, "code": appErr.Code})
	case errors.As(err, &appErr) && errors.Is(err, common.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": appErr.Message, "code": appErr.Code})
	default:
		s.log.Error("server.request.failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func statusResponse(doc *entity.Document) gin.H {
	resp := gin.H{
		"id":     doc.ID,
		"status": doc.Status,
	}
	if doc.LastError != nil {
		resp["last_error"] = *doc.LastError
	}
	if doc.PageCount != nil {
		resp["page_count"] = *doc.PageCount
	}
	return resp
}
