package shared

import (
	"strconv"
	"time"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types.
const (
	// Matching events
	EventMatchesCreated     EventType = "matching.matches_created"
	EventMatchStatusChanged EventType = "matching.match_status_changed"

	// Performance events
	EventPerformanceRecorded EventType = "performance.recorded"

	// Help board events
	EventHelpRequested       EventType = "help.requested"
	EventHelpOffered         EventType = "help.offered"
	EventHelpRequestAccepted EventType = "help.request_accepted"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType EventType, aggregateID string) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		AggregateId: aggregateID,
		Version:     1,
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// ═══════════════════════════════════════════════════════════════════════════
// Matching Events
// ═══════════════════════════════════════════════════════════════════════════

// MatchesCreatedEvent is emitted after a matching run commits new match records.
// The aggregate is the matching scope, "subject/chapter" (chapter empty for
// subject-wide runs).
type MatchesCreatedEvent struct {
	BaseEvent
	Subject  string   `json:"subject"`
	Chapter  string   `json:"chapter"`
	Created  int      `json:"created"`
	Existing int      `json:"existing"`
	MatchIDs []string `json:"match_ids"`
}

// Payload implements Event interface.
func (e MatchesCreatedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"subject":   e.Subject,
		"chapter":   e.Chapter,
		"created":   e.Created,
		"existing":  e.Existing,
		"match_ids": e.MatchIDs,
	}
}

// NewMatchesCreatedEvent creates a new MatchesCreatedEvent.
func NewMatchesCreatedEvent(subject, chapter string, created, existing int, matchIDs []string) MatchesCreatedEvent {
	return MatchesCreatedEvent{
		BaseEvent: NewBaseEvent(EventMatchesCreated, subject+"/"+chapter),
		Subject:   subject,
		Chapter:   chapter,
		Created:   created,
		Existing:  existing,
		MatchIDs:  matchIDs,
	}
}

// MatchStatusChangedEvent is emitted when a participant moves a match to a new status.
type MatchStatusChangedEvent struct {
	BaseEvent
	MatchID   string `json:"match_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	ActorID   int64  `json:"actor_id"`
}

// Payload implements Event interface.
func (e MatchStatusChangedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"match_id":   e.MatchID,
		"old_status": e.OldStatus,
		"new_status": e.NewStatus,
		"actor_id":   e.ActorID,
	}
}

// NewMatchStatusChangedEvent creates a new MatchStatusChangedEvent.
func NewMatchStatusChangedEvent(matchID, oldStatus, newStatus string, actorID int64) MatchStatusChangedEvent {
	return MatchStatusChangedEvent{
		BaseEvent: NewBaseEvent(EventMatchStatusChanged, matchID),
		MatchID:   matchID,
		OldStatus: oldStatus,
		NewStatus: newStatus,
		ActorID:   actorID,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Performance Events
// ═══════════════════════════════════════════════════════════════════════════

// PerformanceRecordedEvent is emitted when grading output for a student was ingested.
type PerformanceRecordedEvent struct {
	BaseEvent
	StudentID  int64    `json:"student_id"`
	Subjects   []string `json:"subjects"`
	Records    int      `json:"records"`
	TeachLevel *int     `json:"teach_level,omitempty"`
}

// Payload implements Event interface.
func (e PerformanceRecordedEvent) Payload() map[string]interface{} {
	payload := map[string]interface{}{
		"student_id": e.StudentID,
		"subjects":   e.Subjects,
		"records":    e.Records,
	}
	if e.TeachLevel != nil {
		payload["teach_level"] = *e.TeachLevel
	}
	return payload
}

// NewPerformanceRecordedEvent creates a new PerformanceRecordedEvent.
func NewPerformanceRecordedEvent(studentID int64, subjects []string, records int, teachLevel *int) PerformanceRecordedEvent {
	return PerformanceRecordedEvent{
		BaseEvent:  NewBaseEvent(EventPerformanceRecorded, strconv.FormatInt(studentID, 10)),
		StudentID:  studentID,
		Subjects:   subjects,
		Records:    records,
		TeachLevel: teachLevel,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Help Board Events
// ═══════════════════════════════════════════════════════════════════════════

// HelpPostedEvent is emitted when a student posts a help request or a help offer.
type HelpPostedEvent struct {
	BaseEvent
	PostID    string `json:"post_id"`
	StudentID int64  `json:"student_id"`
	Subject   string `json:"subject"`
	Chapter   string `json:"chapter"`
}

// Payload implements Event interface.
func (e HelpPostedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"post_id":    e.PostID,
		"student_id": e.StudentID,
		"subject":    e.Subject,
		"chapter":    e.Chapter,
	}
}

// NewHelpPostedEvent creates a HelpPostedEvent of type EventHelpRequested or EventHelpOffered.
func NewHelpPostedEvent(eventType EventType, postID string, studentID int64, subject, chapter string) HelpPostedEvent {
	return HelpPostedEvent{
		BaseEvent: NewBaseEvent(eventType, postID),
		PostID:    postID,
		StudentID: studentID,
		Subject:   subject,
		Chapter:   chapter,
	}
}

// HelpRequestAcceptedEvent is emitted when a tutor takes an open help request.
type HelpRequestAcceptedEvent struct {
	BaseEvent
	RequestID    string `json:"request_id"`
	MatchID      string `json:"match_id"`
	TutorID      int64  `json:"tutor_id"`
	LearnerID    int64  `json:"learner_id"`
	MatchCreated bool   `json:"match_created"`
}

// Payload implements Event interface.
func (e HelpRequestAcceptedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"request_id":    e.RequestID,
		"match_id":      e.MatchID,
		"tutor_id":      e.TutorID,
		"learner_id":    e.LearnerID,
		"match_created": e.MatchCreated,
	}
}

// NewHelpRequestAcceptedEvent creates a new HelpRequestAcceptedEvent.
func NewHelpRequestAcceptedEvent(requestID, matchID string, tutorID, learnerID int64, matchCreated bool) HelpRequestAcceptedEvent {
	return HelpRequestAcceptedEvent{
		BaseEvent:    NewBaseEvent(EventHelpRequestAccepted, requestID),
		RequestID:    requestID,
		MatchID:      matchID,
		TutorID:      tutorID,
		LearnerID:    learnerID,
		MatchCreated: matchCreated,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Event Bus Interfaces
// ═══════════════════════════════════════════════════════════════════════════

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}
