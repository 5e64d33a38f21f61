package workflow

import "fmt"

// InvalidTransitionError rejects an edge outside the ticket transition
// table.
type InvalidTransitionError struct {
	TicketID string
	From     string
	To       string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("ticket %s: invalid transition %s -> %s", e.TicketID, e.From, e.To)
}

// BlockedError rejects moving a blocked ticket anywhere but an
// unblock-eligible status.
type BlockedError struct {
	TicketID string
	To       string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("ticket %s is blocked; cannot transition to %s", e.TicketID, e.To)
}
