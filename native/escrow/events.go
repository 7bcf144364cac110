package escrow

import (
	"encoding/hex"
	"strconv"

	"investchain/core/types"
)

const (
	EventTypeEscrowCreated           = "escrow.created"
	EventTypeEscrowDeposited         = "escrow.deposited"
	EventTypeEscrowApproved          = "escrow.approved"
	EventTypeEscrowPartiallyApproved = "escrow.partially_approved"
	EventTypeEscrowExecuted          = "escrow.executed"
	EventTypeEscrowRejected          = "escrow.rejected"
	EventTypeEscrowRefunded          = "escrow.refunded"
	EventTypeEscrowExpired           = "escrow.expired"
	EventTypeEscrowEmergency         = "escrow.emergency_withdraw"
)

// NewCreatedEvent returns the canonical payload for a newly created escrow.
func NewCreatedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowCreated, e) }

// NewDepositedEvent returns the payload emitted when the investor funds the
// escrow.
func NewDepositedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowDeposited, e) }

// NewApprovedEvent returns the payload for a full admin approval.
func NewApprovedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowApproved, e) }

// NewPartiallyApprovedEvent returns the payload for a partial admin approval.
func NewPartiallyApprovedEvent(e *Escrow) *types.Event {
	return newEscrowEvent(EventTypeEscrowPartiallyApproved, e)
}

// NewExecutedEvent returns the payload emitted once the purchase against the
// sale has completed.
func NewExecutedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowExecuted, e) }

// NewRejectedEvent returns the payload for an admin rejection.
func NewRejectedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowRejected, e) }

// NewRefundedEvent returns the payload for a refund to the investor.
func NewRefundedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowRefunded, e) }

// NewExpiredEvent returns the payload emitted when an unattended escrow is
// refunded through the time-based path.
func NewExpiredEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowExpired, e) }

// NewEmergencyEvent returns the payload for an admin emergency withdrawal.
func NewEmergencyEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowEmergency, e) }

func newEscrowEvent(eventType string, e *Escrow) *types.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := Sanitize(e)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = hex.EncodeToString(sanitized.ID[:])
	attrs["investor"] = hex.EncodeToString(sanitized.Investor[:])
	attrs["saleId"] = hex.EncodeToString(sanitized.SaleID[:])
	attrs["currency"] = sanitized.Currency
	attrs["amount"] = sanitized.Amount.String()
	attrs["approvedAmount"] = sanitized.ApprovedAmount.String()
	attrs["refundedAmount"] = sanitized.RefundedAmount.String()
	attrs["status"] = sanitized.Status.String()
	attrs["createdAt"] = strconv.FormatInt(sanitized.CreatedAt, 10)
	attrs["expiresAt"] = strconv.FormatInt(sanitized.ExpiresAt, 10)
	attrs["adminDeadline"] = strconv.FormatInt(sanitized.AdminDeadline, 10)
	if sanitized.TokenAmount.Sign() > 0 {
		attrs["tokenAmount"] = sanitized.TokenAmount.String()
	}
	if sanitized.RejectReason != "" {
		attrs["reason"] = sanitized.RejectReason
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
