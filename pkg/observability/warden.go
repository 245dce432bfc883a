package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Warden semantic convention attributes.
var (
	// Intake attributes
	AttrTenantID  = attribute.Key("warden.tenant.id")
	AttrAssetID   = attribute.Key("warden.asset.id")
	AttrEndpoint  = attribute.Key("warden.intake.endpoint")
	AttrRejection = attribute.Key("warden.intake.rejection")

	// Task attributes
	AttrTaskID     = attribute.Key("warden.task.id")
	AttrTaskStatus = attribute.Key("warden.task.status")

	// Detection attributes
	AttrRuleID          = attribute.Key("warden.rule.id")
	AttrFindingID       = attribute.Key("warden.finding.id")
	AttrFindingSeverity = attribute.Key("warden.finding.severity")

	// Patch attributes
	AttrPlanID     = attribute.Key("warden.plan.id")
	AttrPlanStatus = attribute.Key("warden.plan.status")

	// Ticket attributes
	AttrTicketID       = attribute.Key("warden.ticket.id")
	AttrTicketPriority = attribute.Key("warden.ticket.priority")
)

// IntakeOperation creates attributes for agent intake requests.
func IntakeOperation(tenantID, assetID, endpoint string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrAssetID.String(assetID),
		AttrEndpoint.String(endpoint),
	}
}

// TaskOperation creates attributes for task lifecycle transitions.
func TaskOperation(tenantID, taskID, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrTaskID.String(taskID),
		AttrTaskStatus.String(status),
	}
}

// DetectionOperation creates attributes for finding emission.
func DetectionOperation(ruleID, findingID, severity string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRuleID.String(ruleID),
		AttrFindingID.String(findingID),
		AttrFindingSeverity.String(severity),
	}
}

// PatchOperation creates attributes for execution plan transitions.
func PatchOperation(tenantID, planID, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrPlanID.String(planID),
		AttrPlanStatus.String(status),
	}
}

// TicketOperation creates attributes for PSA ticket transitions.
func TicketOperation(tenantID, ticketID, priority string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrTicketID.String(ticketID),
		AttrTicketPriority.String(priority),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus sets the span status based on error.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
