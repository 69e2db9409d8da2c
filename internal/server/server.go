// Package server exposes the pipeline over HTTP: job submission,
// approval decisions and status queries.
package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"reelsmith/internal/approval"
	"reelsmith/internal/pipeline"
	"reelsmith/internal/store"
)

type Server struct {
	service *pipeline.Service
}

func New(service *pipeline.Service) *Server {
	return &Server{service: service}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	jobs := r.Group("/jobs")
	{
		jobs.POST("", s.createJob)
		jobs.GET("/:job_id", s.getJob)
		jobs.POST("/:job_id/decisions", s.recordDecision)
	}
	return r
}

type createJobRequest struct {
	// JobID lets the caller supply its own unique id; one is generated
	// when absent. A reused id is rejected, making submission retries safe.
	JobID       string `json:"job_id"`
	RequesterID string `json:"requester_id"`
	ChannelID   string `json:"channel_id"`
	Prompt      string `json:"prompt" binding:"required"`
}

// createJob handles POST /jobs. The job starts running in the
// background; the response carries the assigned ID.
func (s *Server) createJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.New().String()
	}
	err := s.service.Submit(c.Request.Context(), jobID, req.RequesterID, req.ChannelID, req.Prompt)
	switch {
	case errors.Is(err, store.ErrDuplicate):
		c.JSON(http.StatusConflict, gin.H{"error": "job id already exists", "job_id": jobID})
	case err != nil:
		slog.Error("Job submission failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create job"})
	default:
		c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
	}
}

// getJob handles GET /jobs/:job_id.
func (s *Server) getJob(c *gin.Context) {
	status, err := s.service.Status(c.Request.Context(), c.Param("job_id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		slog.Error("Status query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query job"})
		return
	}
	c.JSON(http.StatusOK, status)
}

type decisionRequest struct {
	Stage    string `json:"stage" binding:"required"`
	Decision string `json:"decision" binding:"required"`
}

var approvalStages = map[string]store.ApprovalStage{
	string(store.ApprovalScript): store.ApprovalScript,
	string(store.ApprovalImages): store.ApprovalImages,
	string(store.ApprovalVideos): store.ApprovalVideos,
}

var decisions = map[string]store.Decision{
	string(store.DecisionApproved):  store.DecisionApproved,
	string(store.DecisionCancelled): store.DecisionCancelled,
}

// recordDecision handles POST /jobs/:job_id/decisions. A decision for a
// checkpoint that is not open returns 409; the caller raced the
// pipeline or the window expired.
func (s *Server) recordDecision(c *gin.Context) {
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "stage and decision are required"})
		return
	}

	stage, ok := approvalStages[req.Stage]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown stage"})
		return
	}
	decision, ok := decisions[req.Decision]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "decision must be approved or cancelled"})
		return
	}

	err := s.service.RecordDecision(c.Request.Context(), c.Param("job_id"), stage, decision)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, approval.ErrStaleDecision):
		c.JSON(http.StatusConflict, gin.H{"error": "no open approval window for stage"})
	case err != nil:
		slog.Error("Decision recording failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record decision"})
	default:
		c.JSON(http.StatusOK, gin.H{"job_id": c.Param("job_id"), "stage": req.Stage, "decision": req.Decision})
	}
}
