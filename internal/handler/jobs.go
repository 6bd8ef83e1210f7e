package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"ppe-monitor/internal/models"
	"ppe-monitor/internal/queue"

	"github.com/gin-gonic/gin"
)

type JobsResponse struct {
	State models.JobState    `json:"state"`
	Jobs  []models.JobRecord `json:"jobs"`
}

// RecentJobs lists the retained completed or failed jobs, newest first.
func (h *Handler) RecentJobs(c *gin.Context) {
	if h.tracker == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job tracking is disabled"})
		return
	}

	state := models.JobState(c.DefaultQuery("state", string(models.JobStateFailed)))

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	jobs, err := h.tracker.Recent(ctx, state)
	if errors.Is(err, queue.ErrUnknownState) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "state must be completed or failed"})
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("Failed to list jobs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list jobs"})
		return
	}
	if jobs == nil {
		jobs = []models.JobRecord{}
	}

	c.JSON(http.StatusOK, JobsResponse{State: state, Jobs: jobs})
}

// GetJob returns the latest record of one job.
func (h *Handler) GetJob(c *gin.Context) {
	if h.tracker == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job tracking is disabled"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	rec, err := h.tracker.Lookup(ctx, c.Param("id"))
	if errors.Is(err, queue.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("Failed to look up job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to look up job"})
		return
	}

	c.JSON(http.StatusOK, rec)
}
