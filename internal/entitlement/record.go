package entitlement

import (
	"strings"
	"time"
)

type Tier string

const (
	TierFree       Tier = "free"
	TierStarter    Tier = "starter"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusTrialing Status = "trialing"
	StatusCanceled Status = "canceled"
	StatusPastDue  Status = "past_due"
	StatusUnpaid   Status = "unpaid"
)

// SubscriptionRecord is the billing snapshot for one actor. Tier, Status and
// TrialEnd are written by the billing collaborator only; an empty Tier or
// Status means the field is absent.
type SubscriptionRecord struct {
	ActorID   string
	Tier      Tier
	Status    Status
	TrialEnd  *time.Time
	UpdatedAt time.Time
}

func (r *SubscriptionRecord) Clone() *SubscriptionRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.TrialEnd != nil {
		end := *r.TrialEnd
		out.TrialEnd = &end
	}
	return &out
}

// NormalizeStatus maps provider spellings onto the known statuses. Anything
// unrecognised becomes the empty (unknown) status.
func NormalizeStatus(raw string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusActive:
		return StatusActive
	case StatusTrialing:
		return StatusTrialing
	case StatusCanceled, "cancelled":
		return StatusCanceled
	case StatusPastDue:
		return StatusPastDue
	case StatusUnpaid:
		return StatusUnpaid
	default:
		return ""
	}
}

func NormalizeTier(raw string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(raw))) {
	case TierFree:
		return TierFree
	case TierStarter:
		return TierStarter
	case TierPro:
		return TierPro
	case TierEnterprise:
		return TierEnterprise
	default:
		return ""
	}
}
