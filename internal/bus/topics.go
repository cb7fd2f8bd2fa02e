package bus

// Request lifecycle event topics.
const (
	TopicRequestStateChanged = "request.state_changed"
	TopicRequestBlocked      = "request.blocked"
	TopicRequestCompleted    = "request.completed"
	TopicRequestFailed       = "request.failed"
	TopicRequestExpired      = "request.expired"
)

// Approval event topics. An external operator resolves blocked requests;
// the resolution is published so waiting dashboards see it immediately.
const (
	TopicApprovalRequested = "approval.requested"
	TopicApprovalResolved  = "approval.resolved"
)

// Audit feed topic.
const (
	TopicAuditAppended = "audit.appended"
)

// RequestStateChangedEvent is published when a request's status changes.
type RequestStateChangedEvent struct {
	RequestID string // Request ID
	FromAgent string // Delegating agent
	ToAgent   string // Target agent
	Skill     string // Skill being invoked
	OldStatus string // Previous status (e.g. PENDING)
	NewStatus string // New status (e.g. RUNNING)
}

// ApprovalRequestedEvent is published when a request blocks pending sign-off.
type ApprovalRequestedEvent struct {
	RequestID string // Request awaiting approval
	Skill     string // Skill that triggered the gate
	Severity  string // Classified severity (CRITICAL or BLOCKER)
	Reason    string // Why the gate fired
}

// ApprovalResolvedEvent is published when an operator approves a request.
type ApprovalResolvedEvent struct {
	RequestID string // Request that was approved
	Approver  string // Operator identity
}

// AuditAppendedEvent is published after an audit entry is durably written.
type AuditAppendedEvent struct {
	AuditID  int64  // Row id in the audit log
	Actor    string // Acting agent
	Action   string // Audited action name
	Severity string // INFO/WARNING/CRITICAL/BLOCKER
	Outcome  string // STARTED/SUCCESS/ERROR/DENIED/...
}
