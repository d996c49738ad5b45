package health

import (
	"context"
	"fmt"
	"time"

	"github.com/ycopyer/yumna-panel-sub002/control_plane/observability"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/store"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/streaming"
)

// alertFor returns the notification a transition raises, if any.
func alertFor(from, to store.NodeStatus) (store.NotificationKind, bool) {
	switch {
	case to == store.StatusOffline && from != store.StatusOffline && from != store.StatusUnknown:
		return store.NotificationDown, true
	case from == store.StatusOffline && to == store.StatusActive:
		return store.NotificationRecovered, true
	default:
		return "", false
	}
}

func (m *Monitor) alert(ctx context.Context, n *store.Node, kind store.NotificationKind, from, to store.NodeStatus, at time.Time) {
	name := n.Name
	if name == "" {
		name = n.Host
	}
	var msg string
	switch kind {
	case store.NotificationDown:
		msg = fmt.Sprintf("Server %s (%s) is down: %s -> %s", name, n.Host, from, to)
	default:
		msg = fmt.Sprintf("Server %s (%s) recovered and is active again", name, n.Host)
	}
	note := &store.Notification{
		NodeID:    n.ID,
		NodeName:  name,
		Kind:      kind,
		From:      from,
		To:        to,
		Message:   msg,
		CreatedAt: at,
	}

	observability.HealthAlerts.WithLabelValues(string(kind)).Inc()
	m.logger.Warn("node alert", "node_id", n.ID, "kind", kind, "from", from, "to", to)

	if err := m.store.AppendNotification(ctx, note); err != nil {
		m.logger.Error("failed to record notification", "node_id", n.ID, "error", err)
	}
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ctx, streaming.TopicNodeHealth, note); err != nil {
		observability.EventPublishFailures.WithLabelValues(streaming.TopicNodeHealth).Inc()
		m.logger.Warn("failed to publish alert", "node_id", n.ID, "error", err)
	}
}
