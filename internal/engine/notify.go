package engine

import (
	"fmt"
	"strings"
	"time"

	"marlin/internal/gateway/exchange"
	"marlin/internal/gateway/notifier"
	"marlin/internal/logger"
	"marlin/internal/position"
)

// EventNotifier renders engine events as structured push messages.
// Delivery runs on the caller's goroutine but never returns an error to the
// trading path; failures are logged and dropped.
type EventNotifier struct {
	sink notifier.TextNotifier
}

func NewEventNotifier(sink notifier.TextNotifier) *EventNotifier {
	if sink == nil {
		sink = notifier.Noop{}
	}
	return &EventNotifier{sink: sink}
}

var _ exchange.NotificationChannel = (*EventNotifier)(nil)

func (n *EventNotifier) Emit(event exchange.Event) {
	msg, ok := renderEvent(event)
	if !ok {
		return
	}
	if err := n.sink.SendText(msg.RenderMarkdown()); err != nil {
		logger.Warnf("notify: push failed kind=%s symbol=%s: %v", event.Kind, event.Symbol, err)
	}
}

func renderEvent(event exchange.Event) (notifier.StructuredMessage, bool) {
	at := event.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	switch event.Kind {
	case exchange.EventTradeOpened:
		return notifier.StructuredMessage{
			Icon:      "🚀",
			Title:     fmt.Sprintf("Opened: %s %s", event.Symbol, sideLabel(event.Position)),
			Sections:  openSections(event),
			Timestamp: at,
		}, true
	case exchange.EventTradeClosed:
		return notifier.StructuredMessage{
			Icon:      closeIcon(event.Position),
			Title:     fmt.Sprintf("Closed: %s %s", event.Symbol, sideLabel(event.Position)),
			Sections:  closeSections(event),
			Timestamp: at,
		}, true
	case exchange.EventRiskLimitHit:
		return notifier.StructuredMessage{
			Icon:  "🛑",
			Title: fmt.Sprintf("Risk limit: %s", event.Symbol),
			Sections: []notifier.MessageSection{{
				Title: "Blocked",
				Lines: []string{fmt.Sprintf("Entry rejected by %s", event.Reason)},
			}},
			Timestamp: at,
		}, true
	case exchange.EventError:
		lines := []string{event.Reason}
		if event.Err != nil {
			lines = append(lines, event.Err.Error())
		}
		return notifier.StructuredMessage{
			Icon:      "⚠️",
			Title:     strings.TrimSpace("Trading error " + event.Symbol),
			Sections:  []notifier.MessageSection{{Title: "Detail", Lines: lines}},
			Timestamp: at,
		}, true
	case exchange.EventDailySummary:
		return notifier.StructuredMessage{
			Icon:      "📊",
			Title:     "Daily summary",
			Sections:  []notifier.MessageSection{{Title: "Session", Lines: []string{event.Reason}}},
			Timestamp: at,
		}, true
	default:
		return notifier.StructuredMessage{}, false
	}
}

func openSections(event exchange.Event) []notifier.MessageSection {
	pos := event.Position
	if pos == nil {
		return nil
	}
	lines := []string{
		fmt.Sprintf("Entry %.4f", pos.EntryPrice),
		fmt.Sprintf("Stake %.2f USDT", pos.Stake),
		fmt.Sprintf("Stop %.4f / Target %.4f", pos.StopLoss, pos.TakeProfit),
	}
	if event.Reason != "" {
		lines = append(lines, "Signal "+event.Reason)
	}
	return []notifier.MessageSection{{Title: "Position", Lines: lines}}
}

func closeSections(event exchange.Event) []notifier.MessageSection {
	pos := event.Position
	if pos == nil {
		return nil
	}
	lines := make([]string, 0, 3)
	if pos.ExitPrice > 0 {
		lines = append(lines, fmt.Sprintf("Entry %.4f -> Exit %.4f", pos.EntryPrice, pos.ExitPrice))
		lines = append(lines, fmt.Sprintf("PnL %+.2f USDT", pos.RealizedPnL))
	}
	lines = append(lines, "Reason "+string(pos.CloseReason))
	return []notifier.MessageSection{{Title: "Result", Lines: lines}}
}

func sideLabel(pos *position.Position) string {
	if pos == nil {
		return ""
	}
	return strings.ToUpper(string(pos.Side))
}

func closeIcon(pos *position.Position) string {
	if pos != nil && pos.RealizedPnL >= 0 {
		return "✅"
	}
	return "📉"
}
