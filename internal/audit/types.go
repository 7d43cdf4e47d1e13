package audit

import "time"

// EventType represents the type of audit event
type EventType string

const (
	// Alert lifecycle events
	EventAlertEvaluated EventType = "alert.evaluated"
	EventAlertFired     EventType = "alert.fired"
	EventAlertCleared   EventType = "alert.cleared"

	// Anomaly lifecycle events
	EventAnomalyRecorded EventType = "anomaly.recorded"
	EventAnomalyResolved EventType = "anomaly.resolved"

	// Configuration events
	EventConfigLoaded  EventType = "config.loaded"
	EventConfigChanged EventType = "config.changed"

	// System events
	EventServerStarted  EventType = "system.server_started"
	EventServerShutdown EventType = "system.server_shutdown"
)

// Result represents the outcome of an audited evaluation or action
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultBreach  Result = "breach"
	ResultClear   Result = "clear"
)

// Event represents a single audit event
type Event struct {
	// Core fields
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	EventType     EventType `json:"event_type"`
	Result        Result    `json:"result"`

	// Tenancy
	OrganizationID string `json:"organization_id,omitempty"`

	// Subject information
	MetricName string `json:"metric_name,omitempty"`
	RuleID     string `json:"rule_id,omitempty"`
	AnomalyID  string `json:"anomaly_id,omitempty"`

	// Evaluation details
	ObservedValue  float64 `json:"observed_value,omitempty"`
	ThresholdValue float64 `json:"threshold_value,omitempty"`
	Severity       string  `json:"severity,omitempty"`

	// Action details
	Actor       string                 `json:"actor,omitempty"`
	Description string                 `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`

	// Error information
	Error string `json:"error,omitempty"`
}

// NewEvent creates a new audit event with default values
func NewEvent(eventType EventType) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Metadata:  make(map[string]interface{}),
	}
}

// WithCorrelationID sets the correlation ID for event tracking
func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

// WithOrganization sets the owning tenant
func (e *Event) WithOrganization(organizationID string) *Event {
	e.OrganizationID = organizationID
	return e
}

// WithMetric sets the metric the event concerns
func (e *Event) WithMetric(metricName string) *Event {
	e.MetricName = metricName
	return e
}

// WithRule sets the rule that produced the event
func (e *Event) WithRule(ruleID string) *Event {
	e.RuleID = ruleID
	return e
}

// WithEvaluation records the observed value against its threshold
func (e *Event) WithEvaluation(observed, threshold float64) *Event {
	e.ObservedValue = observed
	e.ThresholdValue = threshold
	return e
}

// WithSeverity sets the severity grade
func (e *Event) WithSeverity(severity string) *Event {
	e.Severity = severity
	return e
}

// WithActor sets who performed the action
func (e *Event) WithActor(actor string) *Event {
	e.Actor = actor
	return e
}

// WithResult sets the result of the event
func (e *Event) WithResult(result Result) *Event {
	e.Result = result
	return e
}

// WithDescription sets a human-readable description
func (e *Event) WithDescription(desc string) *Event {
	e.Description = desc
	return e
}

// WithError attaches error information and marks the event failed
func (e *Event) WithError(err error) *Event {
	if err != nil {
		e.Error = err.Error()
		e.Result = ResultFailure
	}
	return e
}

// WithMetadata adds a metadata entry
func (e *Event) WithMetadata(key string, value interface{}) *Event {
	e.Metadata[key] = value
	return e
}
