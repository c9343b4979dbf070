package monitor

import (
	"fmt"
	"strings"

	"clob-agent/internal/engine"
	"clob-agent/internal/events"
	"clob-agent/internal/market"
	"clob-agent/internal/order"
)

// rule turns a bus payload into an alert. ok is false when the payload does
// not warrant one.
type rule func(payload any) (a Alert, ok bool)

var rules = map[events.Event]rule{
	events.EventSpreadCancel: spreadCancelRule,
	events.EventReconciled:   reconcileRule,
	events.EventFeedState:    feedStateRule,
}

func spreadCancelRule(payload any) (Alert, bool) {
	sc, ok := payload.(engine.SpreadCancel)
	if !ok {
		return Alert{}, false
	}
	msg := fmt.Sprintf("spread %.4f on %s exceeds %.4f, cancelled %d order(s)",
		sc.Spread, sc.TokenID, sc.Tolerance, len(sc.Canceled))
	return Alert{Severity: SeverityWarning, Source: "spread_guard", Message: msg, At: sc.At}, true
}

func reconcileRule(payload any) (Alert, bool) {
	rep, ok := payload.(order.ReconcileReport)
	if !ok {
		return Alert{}, false
	}
	if len(rep.Expired) == 0 && len(rep.Adopted) == 0 && len(rep.Gaps) == 0 {
		return Alert{}, false
	}
	sev := SeverityInfo
	var parts []string
	if n := len(rep.Expired); n > 0 {
		sev = SeverityWarning
		parts = append(parts, fmt.Sprintf("%d lost", n))
	}
	if n := len(rep.Adopted); n > 0 {
		parts = append(parts, fmt.Sprintf("%d adopted", n))
	}
	if n := len(rep.Gaps); n > 0 {
		sev = SeverityWarning
		parts = append(parts, fmt.Sprintf("%d fill gap(s)", n))
	}
	return Alert{
		Severity: sev,
		Source:   "reconciliation",
		Message:  "reconciliation found drift: " + strings.Join(parts, ", "),
		At:       rep.At,
	}, true
}

func feedStateRule(payload any) (Alert, bool) {
	sc, ok := payload.(market.StateChange)
	if !ok {
		return Alert{}, false
	}
	switch sc.State {
	case market.Disconnected.String():
		return Alert{
			Severity: SeverityCritical,
			Source:   "feed",
			Message:  fmt.Sprintf("%s channel disconnected", sc.Channel),
			At:       sc.At,
		}, true
	case market.Streaming.String():
		return Alert{
			Severity: SeverityInfo,
			Source:   "feed",
			Message:  fmt.Sprintf("%s channel streaming", sc.Channel),
			At:       sc.At,
		}, true
	}
	return Alert{}, false
}
