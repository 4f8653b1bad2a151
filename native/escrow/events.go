package escrow

import "strconv"

const (
	EventTypeEscrowLocked   = "escrow.locked"
	EventTypeEscrowApproved = "escrow.approved"
	EventTypeEscrowReleased = "escrow.released"
	EventTypeEscrowRefunded = "escrow.refunded"
)

// Event is the payload handed to the configured emitter after every accepted
// transition.
type Event struct {
	Type       string
	Attributes map[string]string
}

// Emitter receives post-transition events. Delivery is best effort: the
// engine never rolls back a committed transition because an emitter failed,
// so implementations must not block.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards all events.
type NoopEmitter struct{}

func (NoopEmitter) Emit(Event) {}

// NewLockedEvent returns the canonical event payload for a newly locked
// contract.
func NewLockedEvent(c *Contract) Event { return newContractEvent(EventTypeEscrowLocked, c) }

// NewApprovedEvent returns the event payload emitted when an official's
// approval is accepted.
func NewApprovedEvent(c *Contract, officialID int64) Event {
	evt := newContractEvent(EventTypeEscrowApproved, c)
	evt.Attributes["officialId"] = strconv.FormatInt(officialID, 10)
	return evt
}

// NewReleasedEvent returns the event payload for a release of escrowed funds
// to the beneficiary.
func NewReleasedEvent(c *Contract) Event { return newContractEvent(EventTypeEscrowReleased, c) }

// NewRefundedEvent returns the event payload for a refund to the depositor.
func NewRefundedEvent(c *Contract) Event { return newContractEvent(EventTypeEscrowRefunded, c) }

func newContractEvent(eventType string, c *Contract) Event {
	attrs := make(map[string]string)
	if c == nil {
		return Event{Type: eventType, Attributes: attrs}
	}
	attrs["contractId"] = c.ContractID
	attrs["depositorId"] = strconv.FormatInt(c.DepositorID, 10)
	attrs["beneficiaryId"] = strconv.FormatInt(c.BeneficiaryID, 10)
	attrs["amount"] = strconv.FormatInt(c.Amount, 10)
	attrs["requiredApprovals"] = strconv.Itoa(c.RequiredApprovals)
	attrs["currentApprovals"] = strconv.Itoa(c.CurrentApprovals)
	attrs["deadlineMs"] = strconv.FormatInt(c.DeadlineMs, 10)
	attrs["status"] = string(c.Status)
	return Event{Type: eventType, Attributes: attrs}
}
