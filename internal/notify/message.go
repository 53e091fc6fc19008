package notify

import (
	"encoding/json"
	"errors"

	"pipeviz/internal/audit"
	"pipeviz/internal/executor"
	"pipeviz/internal/pipeline"
	"pipeviz/internal/stepgraph"
)

// Outbound message types besides the forwarded pipeline.EventType values.
const (
	TypePipelineSnapshot  = "pipeline_snapshot"
	TypePipelinesSnapshot = "pipelines_snapshot"
	TypeResync            = "resync"
	TypeSubscribed        = "subscribed"
	TypeUnsubscribed      = "unsubscribed"
	TypeReply             = "reply"
	TypeError             = "error"
	TypePong              = "pong"
)

// Request types a client may send.
const (
	ReqPing                  = "ping"
	ReqSubscribePipeline     = "subscribe_pipeline"
	ReqUnsubscribePipeline   = "unsubscribe_pipeline"
	ReqSubscribeAllPipelines = "subscribe_all_pipelines"
	ReqUnsubscribeAll        = "unsubscribe_all_pipelines"
	ReqGetStatus             = "get_status"
	ReqListPipelines         = "list_pipelines"
	ReqListSteps             = "list_steps"
	ReqUpdateStep            = "update_step"
	ReqAcknowledge           = "acknowledge"
	ReqAcknowledgments       = "acknowledgments"
	ReqExecute               = "execute"
)

// Request is one inbound client message.
type Request struct {
	Type       string          `json:"type"`
	RequestID  string          `json:"requestId,omitempty"`
	PipelineID string          `json:"pipelineId,omitempty"`
	StepID     string          `json:"stepId,omitempty"`
	Status     string          `json:"status,omitempty"`
	Message    *string         `json:"message,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Comment    string          `json:"comment,omitempty"`
	UserID     string          `json:"userId,omitempty"`
}

// Message is one outbound client message.
type Message struct {
	Type       string `json:"type"`
	RequestID  string `json:"requestId,omitempty"`
	PipelineID string `json:"pipelineId,omitempty"`
	Topic      string `json:"topic,omitempty"`

	Event    *pipeline.Event    `json:"event,omitempty"`
	Pipeline *pipeline.Snapshot `json:"pipeline,omitempty"`
	// Seq of the list a pipelines_snapshot reflects.
	Seq       uint64                 `json:"seq,omitempty"`
	Pipelines []pipeline.Summary     `json:"pipelines,omitempty"`
	Step      *pipeline.StepRecord   `json:"stepRecord,omitempty"`
	Steps     []stepgraph.Definition `json:"steps,omitempty"`
	Entries   []audit.Entry          `json:"acknowledgments,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Error codes carried by error messages.
const (
	CodeInvalidArgument    = "invalid_argument"
	CodeNotFound           = "not_found"
	CodeFailedPrecondition = "failed_precondition"
	CodeUnavailable        = "unavailable"
	CodeInternal           = "internal"
)

// ErrorCode classifies a registry error for clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, pipeline.ErrUnknownPipeline), errors.Is(err, pipeline.ErrUnknownStep):
		return CodeNotFound
	case errors.Is(err, pipeline.ErrDependencyNotMet), errors.Is(err, pipeline.ErrNotAwaitingAcknowledgment):
		return CodeFailedPrecondition
	case errors.Is(err, pipeline.ErrInvalidTransition), errors.Is(err, ErrBadRequest):
		return CodeInvalidArgument
	case errors.Is(err, ErrNoExecutor), errors.Is(err, executor.ErrRunnerClosed):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

func errorMessage(requestID string, err error) Message {
	return Message{Type: TypeError, RequestID: requestID, Code: ErrorCode(err), Message: err.Error()}
}
