package bricks

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/songzhibin97/play-engine/types"
)

// Job kinds.
const (
	JobDocument  = "document"
	JobSignature = "signature"
)

// External job statuses understood by the documentation and commitment executors.
const (
	JobGenerating = "generating"
	JobReady      = "ready"
	JobCompleted  = "completed"
	JobError      = "error"
	JobFailed     = "failed"

	EnvelopeSent      = "sent"
	EnvelopeAllSigned = "all_signed"
	EnvelopeDeclined  = "declined"
	EnvelopeVoided    = "voided"
)

// JobRequest asks an external service to start work.
type JobRequest struct {
	Kind         string                 `json:"kind"`
	WorkstreamID string                 `json:"workstream_id"`
	NodeID       string                 `json:"node_id"`
	Config       map[string]interface{} `json:"config"`
}

// JobStatus is the observed state of an external job.
type JobStatus struct {
	Status      string   `json:"status"`
	ArtifactRef string   `json:"artifact_ref,omitempty"`
	Error       string   `json:"error,omitempty"`
	Signed      []string `json:"signed,omitempty"`
}

// JobService is a fire-and-observe document or signature service.
type JobService interface {
	Request(ctx context.Context, req JobRequest) (string, error)
	PollStatus(ctx context.Context, jobID string) (JobStatus, error)
}

// observe reads the job status from a webhook submission when one carries a status,
// otherwise it polls the service.
func observe(ctx context.Context, jobs JobService, jobID string, ec *types.ExecutionContext) (JobStatus, error) {
	if s := ec.SubmissionString("status"); s != "" {
		st := JobStatus{
			Status:      strings.ToLower(s),
			ArtifactRef: ec.SubmissionString("artifact_ref"),
			Error:       ec.SubmissionString("error"),
		}
		if signed, ok := ec.Submission["signed"].([]interface{}); ok {
			for _, v := range signed {
				st.Signed = append(st.Signed, fmt.Sprint(v))
			}
		}
		return st, nil
	}
	st, err := jobs.PollStatus(ctx, jobID)
	if err != nil {
		return JobStatus{}, fmt.Errorf("poll job %s: %w", jobID, err)
	}
	st.Status = strings.ToLower(st.Status)
	return st, nil
}

// Documentation generates an artifact through an external job and waits for it.
type Documentation struct {
	Jobs JobService
}

// Execute implements Executor.
func (d Documentation) Execute(ctx context.Context, req Request) (Result, error) {
	cfg, ok := req.Config.(types.DocumentationConfig)
	if !ok {
		return Result{}, mismatch(types.CategoryDocumentation, req.Config)
	}
	if d.Jobs == nil {
		return failed("no document service configured"), nil
	}
	ec := execContext(req)

	if cfg.JobID == "" {
		jobID, err := d.Jobs.Request(ctx, JobRequest{
			Kind:         JobDocument,
			WorkstreamID: ec.Workstream.ID,
			NodeID:       ec.Execution.NodeID,
			Config: map[string]interface{}{
				"template_id": cfg.TemplateID,
				"format":      cfg.Format,
				"inputs":      req.Inputs,
			},
		})
		if err != nil {
			return failed("document request failed: %v", err), nil
		}
		return docWaiting(jobID, JobGenerating), nil
	}

	st, err := observe(ctx, d.Jobs, cfg.JobID, ec)
	if err != nil {
		return Result{}, err
	}
	switch st.Status {
	case JobReady, JobCompleted:
		return completed(map[string]interface{}{
			"job_id":       cfg.JobID,
			"artifact_ref": st.ArtifactRef,
			"format":       cfg.Format,
		}), nil
	case JobError, JobFailed:
		msg := st.Error
		if msg == "" {
			msg = st.Status
		}
		return failed("document generation failed: %s", msg), nil
	case JobGenerating, "":
		return docWaiting(cfg.JobID, JobGenerating), nil
	}
	return failed("unknown document status %q", st.Status), nil
}

func docWaiting(jobID, status string) Result {
	return Result{
		Status:      types.StatusWaitingForEvent,
		Description: fmt.Sprintf("document job %s is %s", jobID, status),
		RuntimeConfig: map[string]interface{}{
			"job_id": jobID,
			"status": status,
		},
	}
}

// Commitment sends a document for signature to an ordered signer list and waits until
// every signer has signed.
type Commitment struct {
	Jobs JobService
}

// Execute implements Executor.
func (c Commitment) Execute(ctx context.Context, req Request) (Result, error) {
	cfg, ok := req.Config.(types.CommitmentConfig)
	if !ok {
		return Result{}, mismatch(types.CategoryCommitment, req.Config)
	}
	if len(cfg.Signers) == 0 {
		return failed("commitment requires at least one signer"), nil
	}
	if c.Jobs == nil {
		return failed("no signature service configured"), nil
	}
	ec := execContext(req)

	docRef := cfg.DocumentRef
	if docRef == "" {
		if v, ok := req.Inputs["document_ref"].(string); ok {
			docRef = v
		} else if v, ok := ec.Previous("artifact_ref"); ok {
			docRef = fmt.Sprint(v)
		}
	}

	if cfg.EnvelopeID == "" {
		signers := orderedSigners(cfg.Signers)
		list := make([]interface{}, 0, len(signers))
		for _, s := range signers {
			list = append(list, map[string]interface{}{"name": s.Name, "email": s.Email, "order": s.Order})
		}
		envelopeID, err := c.Jobs.Request(ctx, JobRequest{
			Kind:         JobSignature,
			WorkstreamID: ec.Workstream.ID,
			NodeID:       ec.Execution.NodeID,
			Config: map[string]interface{}{
				"subject":      cfg.Subject,
				"document_ref": docRef,
				"signers":      list,
			},
		})
		if err != nil {
			return failed("signature request failed: %v", err), nil
		}
		return envelopeWaiting(envelopeID, docRef, EnvelopeSent, nil, len(signers)), nil
	}

	st, err := observe(ctx, c.Jobs, cfg.EnvelopeID, ec)
	if err != nil {
		return Result{}, err
	}
	switch st.Status {
	case EnvelopeAllSigned, JobCompleted:
		return completed(map[string]interface{}{
			"envelope_id":         cfg.EnvelopeID,
			"document_ref":        docRef,
			"signed_document_ref": st.ArtifactRef,
		}), nil
	case EnvelopeDeclined, EnvelopeVoided, JobFailed, JobError:
		msg := st.Error
		if msg == "" {
			msg = st.Status
		}
		return failed("envelope %s %s", cfg.EnvelopeID, msg), nil
	}
	status := st.Status
	if status == "" {
		status = EnvelopeSent
	}
	return envelopeWaiting(cfg.EnvelopeID, docRef, status, st.Signed, len(cfg.Signers)), nil
}

func envelopeWaiting(envelopeID, docRef, status string, signed []string, total int) Result {
	runtime := map[string]interface{}{
		"envelope_id":  envelopeID,
		"document_ref": docRef,
		"status":       status,
	}
	if len(signed) > 0 {
		runtime["signed"] = signed
	}
	return Result{
		Status:        types.StatusWaitingForEvent,
		Description:   fmt.Sprintf("envelope %s: %d of %d signed", envelopeID, len(signed), total),
		RuntimeConfig: runtime,
	}
}

func orderedSigners(signers []types.Signer) []types.Signer {
	out := append([]types.Signer(nil), signers...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// MemoryJobs is an in-process JobService whose job states are set by the caller.
type MemoryJobs struct {
	mu       sync.Mutex
	jobs     map[string]JobStatus
	requests map[string]JobRequest
}

// NewMemoryJobs creates an empty MemoryJobs.
func NewMemoryJobs() *MemoryJobs {
	return &MemoryJobs{
		jobs:     make(map[string]JobStatus),
		requests: make(map[string]JobRequest),
	}
}

// Request registers a new job in the generating (or sent) state.
func (m *MemoryJobs) Request(ctx context.Context, req JobRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	status := JobGenerating
	if req.Kind == JobSignature {
		status = EnvelopeSent
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id] = JobStatus{Status: status}
	m.requests[id] = req
	return id, nil
}

// PollStatus returns the current status of jobID.
func (m *MemoryJobs) PollStatus(ctx context.Context, jobID string) (JobStatus, error) {
	if err := ctx.Err(); err != nil {
		return JobStatus{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.jobs[jobID]
	if !ok {
		return JobStatus{}, fmt.Errorf("%w: job %s", types.ErrNotFound, jobID)
	}
	return st, nil
}

// Set overwrites the status of jobID.
func (m *MemoryJobs) Set(jobID string, st JobStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[jobID] = st
}

// Requests returns the ids of all requested jobs of kind.
func (m *MemoryJobs) Requests(kind string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, r := range m.requests {
		if r.Kind == kind {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
