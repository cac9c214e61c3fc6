// Package domain holds the core types shared across all engines.
// It has no infrastructure dependencies.
package domain

// SignalAction is the direction of a trading signal.
type SignalAction string

const (
	ActionBuy   SignalAction = "BUY"
	ActionSell  SignalAction = "SELL"
	ActionShort SignalAction = "SHORT"
	ActionCover SignalAction = "COVER"
)

// Valid reports whether the action is a known value.
func (a SignalAction) Valid() bool {
	switch a {
	case ActionBuy, ActionSell, ActionShort, ActionCover:
		return true
	}
	return false
}

// OpensExposure reports whether the action adds exposure (BUY, SHORT)
// rather than reducing it (SELL, COVER).
func (a SignalAction) OpensExposure() bool {
	return a == ActionBuy || a == ActionShort
}

// SignalStatus is the lifecycle state of a signal.
type SignalStatus string

const (
	SignalPending   SignalStatus = "PENDING"
	SignalApproved  SignalStatus = "APPROVED"
	SignalRejected  SignalStatus = "REJECTED"
	SignalIgnored   SignalStatus = "IGNORED"
	SignalExecuted  SignalStatus = "EXECUTED"
	SignalCancelled SignalStatus = "CANCELLED"
)

// signalTransitions is the allowed status graph. Terminal states have no entry.
var signalTransitions = map[SignalStatus][]SignalStatus{
	SignalPending:  {SignalApproved, SignalRejected, SignalIgnored, SignalCancelled},
	SignalApproved: {SignalExecuted, SignalCancelled},
}

// CanTransition reports whether a signal may move from s to target.
func (s SignalStatus) CanTransition(target SignalStatus) bool {
	for _, allowed := range signalTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// Terminal reports whether the status accepts no further transitions.
func (s SignalStatus) Terminal() bool {
	return len(signalTransitions[s]) == 0
}

// SignalSource identifies what produced a signal.
type SignalSource string

const (
	SourceThesisUpdate  SignalSource = "THESIS_UPDATE"
	SourceNewsEvent     SignalSource = "NEWS_EVENT"
	SourceCongressTrade SignalSource = "CONGRESS_TRADE"
	SourcePriceTrigger  SignalSource = "PRICE_TRIGGER"
	SourceManual        SignalSource = "MANUAL"
	SourceRebalance     SignalSource = "REBALANCE"
)

// Valid reports whether the source is a known value.
func (s SignalSource) Valid() bool {
	switch s {
	case SourceThesisUpdate, SourceNewsEvent, SourceCongressTrade,
		SourcePriceTrigger, SourceManual, SourceRebalance:
		return true
	}
	return false
}

// ThesisStatus is the lifecycle state of an investment thesis.
type ThesisStatus string

const (
	ThesisDraft         ThesisStatus = "DRAFT"
	ThesisActive        ThesisStatus = "ACTIVE"
	ThesisStrengthening ThesisStatus = "STRENGTHENING"
	ThesisConfirmed     ThesisStatus = "CONFIRMED"
	ThesisWeakening     ThesisStatus = "WEAKENING"
	ThesisInvalidated   ThesisStatus = "INVALIDATED"
	ThesisArchived      ThesisStatus = "ARCHIVED"
)

// thesisTransitions is the allowed thesis status graph. ARCHIVED is terminal.
var thesisTransitions = map[ThesisStatus][]ThesisStatus{
	ThesisDraft:         {ThesisActive, ThesisArchived},
	ThesisActive:        {ThesisStrengthening, ThesisWeakening, ThesisConfirmed, ThesisInvalidated, ThesisArchived},
	ThesisStrengthening: {ThesisActive, ThesisConfirmed, ThesisWeakening, ThesisInvalidated, ThesisArchived},
	ThesisWeakening:     {ThesisActive, ThesisStrengthening, ThesisInvalidated, ThesisArchived},
	ThesisConfirmed:     {ThesisStrengthening, ThesisWeakening, ThesisInvalidated, ThesisArchived},
	ThesisInvalidated:   {ThesisArchived},
}

// CanTransition reports whether a thesis may move from s to target.
func (s ThesisStatus) CanTransition(target ThesisStatus) bool {
	for _, allowed := range thesisTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// ConfidenceMultiplier is the thesis-status multiplier applied during
// signal confidence scoring.
func (s ThesisStatus) ConfidenceMultiplier() float64 {
	switch s {
	case ThesisStrengthening:
		return 1.10
	case ThesisConfirmed:
		return 1.15
	case ThesisActive:
		return 1.00
	case ThesisWeakening:
		return 0.80
	case ThesisInvalidated:
		return 0.00
	case ThesisDraft:
		return 0.90
	}
	return 1.00
}

// Valid reports whether the status is a known value.
func (s ThesisStatus) Valid() bool {
	switch s {
	case ThesisDraft, ThesisActive, ThesisStrengthening, ThesisConfirmed,
		ThesisWeakening, ThesisInvalidated, ThesisArchived:
		return true
	}
	return false
}

// OrderType is the broker order type.
type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
)

// OrderStatus is the broker-reported order state.
type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderSubmitted       OrderStatus = "SUBMITTED"
	OrderFilled          OrderStatus = "FILLED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderCancelled       OrderStatus = "CANCELLED"
)

// ActorType identifies who performed an audited action.
type ActorType string

const (
	ActorEngine    ActorType = "ENGINE"
	ActorUser      ActorType = "USER"
	ActorScheduler ActorType = "SCHEDULER"
	ActorBroker    ActorType = "BROKER"
)
