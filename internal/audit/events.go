package audit

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of audit event.
type EventType string

// Event types.
const (
	EventTypeEvaluation    EventType = "evaluation"
	EventTypeConfiguration EventType = "configuration"
	EventTypeSecurity      EventType = "security"
)

// Action represents the action being audited.
type Action string

// Common actions.
const (
	// Evaluation actions
	ActionEvaluate Action = "evaluate"
	ActionDryRun   Action = "dry_run"

	// Configuration actions
	ActionConfigLoad   Action = "config_load"
	ActionConfigReload Action = "config_reload"

	// Security actions
	ActionRateLimitExceeded Action = "rate_limit_exceeded"
	ActionBodyLimitExceeded Action = "body_limit_exceeded"
	ActionPanicRecovered    Action = "panic_recovered"
)

// Outcome represents the outcome of an audited action.
type Outcome string

// Outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

// Event represents an audit event.
type Event struct {
	// ID is a unique identifier for the event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the type of event.
	Type EventType `json:"type"`

	// Action is the action being audited.
	Action Action `json:"action"`

	// Outcome is the outcome of the action.
	Outcome Outcome `json:"outcome"`

	// Level is the audit level.
	Level Level `json:"level"`

	// Subject is the caller the event concerns.
	Subject *Subject `json:"subject,omitempty"`

	// Request identifies the evaluated request.
	Request *RequestDetails `json:"request,omitempty"`

	// Decision carries the evaluation outcome. Audit records, logs,
	// and traces are the only places the stage trail leaves the
	// process; response bodies never carry it.
	Decision *DecisionDetails `json:"decision,omitempty"`

	// Error contains error details if the action faulted.
	Error *ErrorDetails `json:"error,omitempty"`

	// Metadata contains additional metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// TraceID is the trace ID for distributed tracing.
	TraceID string `json:"trace_id,omitempty"`

	// SpanID is the span ID for distributed tracing.
	SpanID string `json:"span_id,omitempty"`

	// Duration is how long the action took.
	Duration time.Duration `json:"duration,omitempty"`
}

// Subject represents the caller an event concerns.
type Subject struct {
	// ID is the subject identifier.
	ID string `json:"id"`

	// AuthType is the authentication method that produced the
	// identity (jwt, apikey, anonymous).
	AuthType string `json:"auth_type,omitempty"`

	// Issuer is the party that vouched for the credential.
	Issuer string `json:"issuer,omitempty"`

	// Roles are the subject's roles.
	Roles []string `json:"roles,omitempty"`

	// IPAddress is the client IP address.
	IPAddress string `json:"ip_address,omitempty"`

	// UserAgent is the client user agent.
	UserAgent string `json:"user_agent,omitempty"`
}

// RequestDetails identifies the request an evaluation ran for.
type RequestDetails struct {
	// Method is the HTTP method.
	Method string `json:"method,omitempty"`

	// Path is the request path.
	Path string `json:"path,omitempty"`

	// Route is the matched route name, empty when no route matched.
	Route string `json:"route,omitempty"`

	// Query is the query string.
	Query string `json:"query,omitempty"`

	// Headers are the request headers (sensitive headers redacted).
	Headers map[string]string `json:"headers,omitempty"`

	// RemoteAddr is the remote address.
	RemoteAddr string `json:"remote_addr,omitempty"`
}

// DecisionDetails carries the outcome of one evaluation.
type DecisionDetails struct {
	// Verdict is the terminal verdict, empty when the run faulted.
	Verdict string `json:"verdict,omitempty"`

	// Reason is the terminal stage's reason.
	Reason string `json:"reason,omitempty"`

	// Trail is the stage trail summary.
	Trail string `json:"trail,omitempty"`

	// Resources are the names of the resources loaded for the run.
	Resources []string `json:"resources,omitempty"`

	// Violations is the number of input validation violations.
	Violations int `json:"violations,omitempty"`
}

// ErrorDetails contains details about a fault.
type ErrorDetails struct {
	// Stage is the pipeline stage that faulted, when known.
	Stage string `json:"stage,omitempty"`

	// Message is the error message.
	Message string `json:"message,omitempty"`
}

// NewEvent creates a new audit event with default values.
func NewEvent(eventType EventType, action Action, outcome Outcome) *Event {
	return &Event{
		ID:        generateEventID(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Action:    action,
		Outcome:   outcome,
		Level:     LevelInfo,
		Metadata:  make(map[string]interface{}),
	}
}

// WithSubject sets the subject.
func (e *Event) WithSubject(subject *Subject) *Event {
	e.Subject = subject
	return e
}

// WithRequest sets the request details.
func (e *Event) WithRequest(request *RequestDetails) *Event {
	e.Request = request
	return e
}

// WithDecision sets the decision details.
func (e *Event) WithDecision(decision *DecisionDetails) *Event {
	e.Decision = decision
	return e
}

// WithError sets the error details.
func (e *Event) WithError(err *ErrorDetails) *Event {
	e.Error = err
	return e
}

// WithMetadata adds metadata to the event.
func (e *Event) WithMetadata(key string, value interface{}) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithTraceID sets the trace ID.
func (e *Event) WithTraceID(traceID string) *Event {
	e.TraceID = traceID
	return e
}

// WithSpanID sets the span ID.
func (e *Event) WithSpanID(spanID string) *Event {
	e.SpanID = spanID
	return e
}

// WithDuration sets the duration.
func (e *Event) WithDuration(duration time.Duration) *Event {
	e.Duration = duration
	return e
}

// WithLevel sets the audit level.
func (e *Event) WithLevel(level Level) *Event {
	e.Level = level
	return e
}

// generateEventID generates a unique event ID using UUID v4.
func generateEventID() string {
	return uuid.New().String()
}

// EvaluationEvent creates an audit event for one pipeline run. Denied
// runs are recorded at warn level, faulted runs at error level.
func EvaluationEvent(outcome Outcome, subject *Subject, request *RequestDetails, decision *DecisionDetails) *Event {
	event := NewEvent(EventTypeEvaluation, ActionEvaluate, outcome).
		WithSubject(subject).
		WithRequest(request).
		WithDecision(decision)
	switch outcome {
	case OutcomeDenied:
		event.WithLevel(LevelWarn)
	case OutcomeError:
		event.WithLevel(LevelError)
	}
	return event
}

// ConfigurationEvent creates a configuration audit event. Failed
// loads and reloads are recorded at error level.
func ConfigurationEvent(action Action, outcome Outcome) *Event {
	event := NewEvent(EventTypeConfiguration, action, outcome)
	if outcome != OutcomeSuccess {
		event.WithLevel(LevelError)
	}
	return event
}

// SecurityEvent creates a security audit event.
func SecurityEvent(action Action, outcome Outcome, subject *Subject, details map[string]interface{}) *Event {
	event := NewEvent(EventTypeSecurity, action, outcome).
		WithSubject(subject).
		WithLevel(LevelWarn)
	for k, v := range details {
		event.WithMetadata(k, v)
	}
	return event
}
