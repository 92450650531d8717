package domain

import "time"

// ResultStatusSuccess is the only callback status treated as success; any
// other value fails the job.
const ResultStatusSuccess = "success"

// JobResult is the completion notice delivered by the execution host. The
// host only knows the ticket id, so matching back to a job is by ticket.
type JobResult struct {
	TicketID   string    `json:"ticket_id"`
	Status     string    `json:"status"`
	PRUrl      string    `json:"pr_url,omitempty"`
	PRNumber   int       `json:"pr_number,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	ReceivedAt time.Time `json:"received_at"`

	// Credential presented by the caller, checked against the matched
	// job's callback secret during reconciliation. Never serialized.
	Credential string `json:"-"`
}
