package jobs

// Job kinds. The job row's kind column selects the handler; payloads carry
// only ids.
const (
	KindSendIntent     = "send_intent"
	KindFireRecurrence = "fire_recurrence"
	KindCleanup        = "cleanup"
	KindRetentionSweep = "retention_sweep"
)

// Payload is the persisted job body.
type Payload struct {
	IntentID string `json:"intentId,omitempty"`
	RuleID   string `json:"ruleId,omitempty"`
}

// SendIntent builds the payload for a one-shot send.
func SendIntent(intentID string) Payload {
	return Payload{IntentID: intentID}
}

// FireRecurrence builds the payload for one recurrence firing.
func FireRecurrence(ruleID string) Payload {
	return Payload{RuleID: ruleID}
}

// SendJobID is the deduplicating job id for an intent's send job.
func SendJobID(intentID string) string {
	return "intent-" + intentID
}

// ScheduleID is the schedule key for a recurrence rule.
func ScheduleID(ruleID string) string {
	return "rule-" + ruleID
}
