package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"connectrpc.com/connect"

	"pipeviz/internal/audit"
	"pipeviz/internal/notify"
	"pipeviz/internal/pipeline"
	"pipeviz/internal/stepgraph"
)

const PipelineServiceName = "pipeviz.v1.PipelineService"

const (
	ProcedureRegister            = "/" + PipelineServiceName + "/Register"
	ProcedureGetStatus           = "/" + PipelineServiceName + "/GetStatus"
	ProcedureListPipelines       = "/" + PipelineServiceName + "/ListPipelines"
	ProcedureUpdateStep          = "/" + PipelineServiceName + "/UpdateStep"
	ProcedureAcknowledge         = "/" + PipelineServiceName + "/Acknowledge"
	ProcedureListAcknowledgments = "/" + PipelineServiceName + "/ListAcknowledgments"
	ProcedureListSteps           = "/" + PipelineServiceName + "/ListSteps"
	ProcedureExecuteStep         = "/" + PipelineServiceName + "/ExecuteStep"
)

type RegisterRequest struct {
	AgentName  string `json:"agentName"`
	TotalSteps int    `json:"totalSteps,omitempty"`
}

type RegisterResponse struct {
	PipelineID string            `json:"pipelineId"`
	Pipeline   pipeline.Snapshot `json:"pipeline"`
}

type GetStatusRequest struct {
	PipelineID string `json:"pipelineId"`
}

type ListPipelinesRequest struct{}

type ListPipelinesResponse struct {
	Pipelines []pipeline.Summary `json:"pipelines"`
}

type UpdateStepRequest struct {
	PipelineID string          `json:"pipelineId"`
	StepID     string          `json:"stepId"`
	Status     string          `json:"status"`
	Message    *string         `json:"message,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

type StepResponse struct {
	Step pipeline.StepRecord `json:"stepRecord"`
}

type AcknowledgeRequest struct {
	PipelineID string `json:"pipelineId"`
	StepID     string `json:"stepId"`
	Comment    string `json:"comment,omitempty"`
	UserID     string `json:"userId,omitempty"`
}

type AcknowledgeResponse struct {
	Acknowledged bool                `json:"acknowledged"`
	Step         pipeline.StepRecord `json:"stepRecord"`
}

type ListAcknowledgmentsRequest struct {
	PipelineID string `json:"pipelineId"`
}

type ListAcknowledgmentsResponse struct {
	Acknowledgments []audit.Entry `json:"acknowledgments"`
}

type ListStepsRequest struct{}

type ListStepsResponse struct {
	GraphVersion string                 `json:"graphVersion"`
	Steps        []stepgraph.Definition `json:"steps"`
}

type ExecuteStepRequest struct {
	PipelineID string `json:"pipelineId"`
	StepID     string `json:"stepId"`
}

// PipelineHandler implements the control API over the registry.
type PipelineHandler struct {
	reg  *pipeline.Registry
	exec notify.Executor
}

func NewPipelineHandler(reg *pipeline.Registry, exec notify.Executor) *PipelineHandler {
	return &PipelineHandler{reg: reg, exec: exec}
}

// NewPipelineServiceHandler mounts every procedure of PipelineService and
// returns the path prefix to register it under.
func NewPipelineServiceHandler(h *PipelineHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{WithJSON()}, opts...)
	procedures := map[string]http.Handler{
		ProcedureRegister:            connect.NewUnaryHandler(ProcedureRegister, h.Register, opts...),
		ProcedureGetStatus:           connect.NewUnaryHandler(ProcedureGetStatus, h.GetStatus, opts...),
		ProcedureListPipelines:       connect.NewUnaryHandler(ProcedureListPipelines, h.ListPipelines, opts...),
		ProcedureUpdateStep:          connect.NewUnaryHandler(ProcedureUpdateStep, h.UpdateStep, opts...),
		ProcedureAcknowledge:         connect.NewUnaryHandler(ProcedureAcknowledge, h.Acknowledge, opts...),
		ProcedureListAcknowledgments: connect.NewUnaryHandler(ProcedureListAcknowledgments, h.ListAcknowledgments, opts...),
		ProcedureListSteps:           connect.NewUnaryHandler(ProcedureListSteps, h.ListSteps, opts...),
		ProcedureExecuteStep:         connect.NewUnaryHandler(ProcedureExecuteStep, h.ExecuteStep, opts...),
	}
	return "/" + PipelineServiceName + "/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, ok := procedures[r.URL.Path]; ok {
			p.ServeHTTP(w, r)
			return
		}
		http.NotFound(w, r)
	})
}

func (h *PipelineHandler) Register(ctx context.Context, req *connect.Request[RegisterRequest]) (*connect.Response[RegisterResponse], error) {
	name := strings.TrimSpace(req.Msg.AgentName)
	if name == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("agentName is required"))
	}
	snap, err := h.reg.Register(ctx, name, req.Msg.TotalSteps)
	if err != nil {
		return nil, toPipelineError(err)
	}
	return connect.NewResponse(&RegisterResponse{PipelineID: snap.ID, Pipeline: snap}), nil
}

func (h *PipelineHandler) GetStatus(_ context.Context, req *connect.Request[GetStatusRequest]) (*connect.Response[pipeline.Snapshot], error) {
	snap, err := h.reg.Snapshot(strings.TrimSpace(req.Msg.PipelineID))
	if err != nil {
		return nil, toPipelineError(err)
	}
	return connect.NewResponse(&snap), nil
}

func (h *PipelineHandler) ListPipelines(_ context.Context, _ *connect.Request[ListPipelinesRequest]) (*connect.Response[ListPipelinesResponse], error) {
	return connect.NewResponse(&ListPipelinesResponse{Pipelines: h.reg.List()}), nil
}

func (h *PipelineHandler) UpdateStep(ctx context.Context, req *connect.Request[UpdateStepRequest]) (*connect.Response[StepResponse], error) {
	status, err := pipeline.ParseRequestedStatus(req.Msg.Status)
	if err != nil {
		return nil, toPipelineError(err)
	}
	rec, err := h.reg.ApplyTransition(ctx, pipeline.Transition{
		PipelineID: strings.TrimSpace(req.Msg.PipelineID),
		StepID:     strings.TrimSpace(req.Msg.StepID),
		Status:     status,
		Message:    req.Msg.Message,
		Data:       req.Msg.Data,
	})
	if err != nil {
		return nil, toPipelineError(err)
	}
	return connect.NewResponse(&StepResponse{Step: rec}), nil
}

func (h *PipelineHandler) Acknowledge(ctx context.Context, req *connect.Request[AcknowledgeRequest]) (*connect.Response[AcknowledgeResponse], error) {
	rec, err := h.reg.Acknowledge(ctx, pipeline.Acknowledgment{
		PipelineID: strings.TrimSpace(req.Msg.PipelineID),
		StepID:     strings.TrimSpace(req.Msg.StepID),
		Comment:    req.Msg.Comment,
		UserID:     strings.TrimSpace(req.Msg.UserID),
	})
	if err != nil {
		return nil, toPipelineError(err)
	}
	return connect.NewResponse(&AcknowledgeResponse{Acknowledged: true, Step: rec}), nil
}

func (h *PipelineHandler) ListAcknowledgments(ctx context.Context, req *connect.Request[ListAcknowledgmentsRequest]) (*connect.Response[ListAcknowledgmentsResponse], error) {
	entries, err := h.reg.Acknowledgments(ctx, strings.TrimSpace(req.Msg.PipelineID))
	if err != nil {
		return nil, toPipelineError(err)
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	return connect.NewResponse(&ListAcknowledgmentsResponse{Acknowledgments: entries}), nil
}

func (h *PipelineHandler) ListSteps(_ context.Context, _ *connect.Request[ListStepsRequest]) (*connect.Response[ListStepsResponse], error) {
	g := h.reg.Graph()
	return connect.NewResponse(&ListStepsResponse{GraphVersion: g.Version(), Steps: g.Definitions()}), nil
}

func (h *PipelineHandler) ExecuteStep(ctx context.Context, req *connect.Request[ExecuteStepRequest]) (*connect.Response[StepResponse], error) {
	if h.exec == nil {
		return nil, toPipelineError(notify.ErrNoExecutor)
	}
	rec, err := h.exec.Execute(ctx, strings.TrimSpace(req.Msg.PipelineID), strings.TrimSpace(req.Msg.StepID))
	if err != nil {
		return nil, toPipelineError(err)
	}
	return connect.NewResponse(&StepResponse{Step: rec}), nil
}

func toPipelineError(err error) error {
	switch notify.ErrorCode(err) {
	case notify.CodeNotFound:
		return connect.NewError(connect.CodeNotFound, err)
	case notify.CodeFailedPrecondition:
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case notify.CodeInvalidArgument:
		return connect.NewError(connect.CodeInvalidArgument, err)
	case notify.CodeUnavailable:
		return connect.NewError(connect.CodeUnavailable, err)
	default:
		return connect.NewError(connect.CodeInternal, fmt.Errorf("pipeline service failed: %w", err))
	}
}
