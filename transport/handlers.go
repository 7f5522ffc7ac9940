package transport

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/songzhibin97/play-engine/approval"
	"github.com/songzhibin97/play-engine/graph"
	"github.com/songzhibin97/play-engine/types"
	"github.com/songzhibin97/play-engine/workflow"
)

// PlayEngine is the part of the workflow engine served over HTTP.
type PlayEngine interface {
	RegisterPlay(ctx context.Context, play types.Play) error
	Run(ctx context.Context, req workflow.RunRequest) (workflow.PlayResult, error)
	Resume(ctx context.Context, req workflow.NodeRequest) (workflow.PlayResult, error)
	ExecuteNode(ctx context.Context, req workflow.NodeRequest) (workflow.EngineResult, error)
	States(ctx context.Context, workstreamID, playID string) ([]types.NodeExecutionState, error)
}

// Approvals is the part of the approval service served over HTTP.
type Approvals interface {
	Activate(ctx context.Context, req approval.ActivateRequest) (approval.Activation, error)
	SubmitDecision(ctx context.Context, req approval.DecisionRequest) (approval.DecisionResult, error)
	Sequence(ctx context.Context, workstreamID string) ([]approval.GateView, error)
}

type runBody struct {
	UserID     string                 `json:"user_id"`
	PlayConfig map[string]interface{} `json:"play_config"`
}

type nodeBody struct {
	UserID     string                 `json:"user_id"`
	PlayConfig map[string]interface{} `json:"play_config"`
	Submission map[string]interface{} `json:"submission"`
}

type activateBody struct {
	TemplateID string `json:"template_id"`
	PlayID     string `json:"play_id"`
	NodeID     string `json:"node_id"`
}

type activationResponse struct {
	TemplateID string                 `json:"template_id"`
	Status     types.ApprovalStatus   `json:"status"`
	Current    *types.ApprovalRecord  `json:"current,omitempty"`
	Gates      []types.ApprovalRecord `json:"gates"`
	Created    int                    `json:"created"`
}

type decisionBody struct {
	UserID    string         `json:"user_id"`
	Decision  types.Decision `json:"decision"`
	Reasoning string         `json:"reasoning"`
}

// jobEventBody is a status callback from a document or signature service.
type jobEventBody struct {
	WorkstreamID string   `json:"workstream_id" binding:"required"`
	PlayID       string   `json:"play_id" binding:"required"`
	NodeID       string   `json:"node_id" binding:"required"`
	Status       string   `json:"status" binding:"required"`
	ArtifactRef  string   `json:"artifact_ref"`
	Error        string   `json:"error"`
	Signed       []string `json:"signed"`
}

// bindOptional decodes a JSON body when one is present.
func bindOptional(c *gin.Context, dst interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		writeBadRequest(c, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// userOf prefers the user named in the body, then the X-User-ID header.
func userOf(c *gin.Context, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return c.GetHeader(userIDHeader)
}

// ValidatePlayHandler checks a play graph without storing it.
func ValidatePlayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var play types.Play
		if err := c.ShouldBindJSON(&play); err != nil {
			writeBadRequest(c, "invalid request body: "+err.Error())
			return
		}
		if errs := graph.ValidatePlay(play); len(errs) > 0 {
			writeError(c, nil, types.ValidationErrors(errs))
			return
		}
		c.JSON(http.StatusOK, gin.H{"valid": true})
	}
}

// RegisterPlayHandler validates and stores a play.
func RegisterPlayHandler(engine PlayEngine, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var play types.Play
		if err := c.ShouldBindJSON(&play); err != nil {
			writeBadRequest(c, "invalid request body: "+err.Error())
			return
		}
		if err := engine.RegisterPlay(c.Request.Context(), play); err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": play.ID})
	}
}

// RunPlayHandler runs every runnable node of a play for a workstream.
func RunPlayHandler(engine PlayEngine, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body runBody
		if !bindOptional(c, &body) {
			return
		}
		res, err := engine.Run(c.Request.Context(), workflow.RunRequest{
			WorkstreamID: c.Param("workstream"),
			PlayID:       c.Param("play"),
			UserID:       userOf(c, body.UserID),
			PlayConfig:   body.PlayConfig,
		})
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func nodeRequest(c *gin.Context, body nodeBody) workflow.NodeRequest {
	return workflow.NodeRequest{
		WorkstreamID: c.Param("workstream"),
		PlayID:       c.Param("play"),
		NodeID:       c.Param("node"),
		UserID:       userOf(c, body.UserID),
		PlayConfig:   body.PlayConfig,
		Submission:   body.Submission,
	}
}

// ExecuteNodeHandler runs one node once.
func ExecuteNodeHandler(engine PlayEngine, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body nodeBody
		if !bindOptional(c, &body) {
			return
		}
		res, err := engine.ExecuteNode(c.Request.Context(), nodeRequest(c, body))
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// ResumeNodeHandler submits data to a waiting node, or retries a failed one, and
// continues the play.
func ResumeNodeHandler(engine PlayEngine, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body nodeBody
		if !bindOptional(c, &body) {
			return
		}
		res, err := engine.Resume(c.Request.Context(), nodeRequest(c, body))
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// StatesHandler lists the persisted node states of a workstream's play.
func StatesHandler(engine PlayEngine, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		states, err := engine.States(c.Request.Context(), c.Param("workstream"), c.Param("play"))
		if err != nil {
			writeError(c, logger, err)
			return
		}
		if states == nil {
			states = []types.NodeExecutionState{}
		}
		c.JSON(http.StatusOK, gin.H{"states": states})
	}
}

// JobEventHandler resumes the node waiting on an external job with the reported status.
func JobEventHandler(engine PlayEngine, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body jobEventBody
		if err := c.ShouldBindJSON(&body); err != nil {
			writeBadRequest(c, "invalid request body: "+err.Error())
			return
		}
		submission := map[string]interface{}{"status": body.Status}
		if body.ArtifactRef != "" {
			submission["artifact_ref"] = body.ArtifactRef
		}
		if body.Error != "" {
			submission["error"] = body.Error
		}
		if len(body.Signed) > 0 {
			signed := make([]interface{}, 0, len(body.Signed))
			for _, s := range body.Signed {
				signed = append(signed, s)
			}
			submission["signed"] = signed
		}
		res, err := engine.Resume(c.Request.Context(), workflow.NodeRequest{
			WorkstreamID: body.WorkstreamID,
			PlayID:       body.PlayID,
			NodeID:       body.NodeID,
			Submission:   submission,
		})
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// ActivateHandler starts, or re-reads, the approval sequence of a workstream.
func ActivateHandler(approvals Approvals, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body activateBody
		if err := c.ShouldBindJSON(&body); err != nil {
			writeBadRequest(c, "invalid request body: "+err.Error())
			return
		}
		act, err := approvals.Activate(c.Request.Context(), approval.ActivateRequest{
			WorkstreamID: c.Param("workstream"),
			PlayID:       body.PlayID,
			NodeID:       body.NodeID,
			TemplateID:   body.TemplateID,
		})
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, activationResponse{
			TemplateID: act.TemplateID,
			Status:     act.Status,
			Current:    act.Current,
			Gates:      act.Gates,
			Created:    act.Created,
		})
	}
}

// SequenceHandler returns every gate of a workstream's approval sequence.
func SequenceHandler(approvals Approvals, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		views, err := approvals.Sequence(c.Request.Context(), c.Param("workstream"))
		if err != nil {
			writeError(c, logger, err)
			return
		}
		if views == nil {
			views = []approval.GateView{}
		}
		c.JSON(http.StatusOK, gin.H{"gates": views})
	}
}

// DecisionHandler records one approver's decision on a gate.
func DecisionHandler(approvals Approvals, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			writeBadRequest(c, "approval id must be a positive integer")
			return
		}
		var body decisionBody
		if err := c.ShouldBindJSON(&body); err != nil {
			writeBadRequest(c, "invalid request body: "+err.Error())
			return
		}
		res, err := approvals.SubmitDecision(c.Request.Context(), approval.DecisionRequest{
			ApprovalID: id,
			UserID:     userOf(c, body.UserID),
			Decision:   body.Decision,
			Reasoning:  body.Reasoning,
		})
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
