package presence

import (
	"context"

	"go.uber.org/zap"

	"presence-service/internal/models"
	"presence-service/internal/observability"
	"presence-service/internal/registry"
	"presence-service/internal/telemetry"
)

// Tracker derives online/offline transitions from registry changes and
// announces them. Deltas (user_online/user_offline) are a low-latency
// hint; the full online_users_list snapshot that follows each delta is
// the source of truth for clients that connected mid-stream.
type Tracker struct {
	registry *registry.Registry
	audit    *telemetry.AuditEmitter
	logger   *zap.SugaredLogger
}

// NewTracker builds a Tracker around the shared registry.
func NewTracker(reg *registry.Registry, audit *telemetry.AuditEmitter, logger *zap.SugaredLogger) *Tracker {
	return &Tracker{registry: reg, audit: audit, logger: logger}
}

// HandleConnect admits the connection and, on an offline-to-online
// transition, broadcasts the delta followed by a refreshed snapshot.
func (t *Tracker) HandleConnect(ctx context.Context, conn registry.Conn) {
	wentOnline := t.registry.Admit(conn)
	observability.IncWSActive()
	if !wentOnline {
		return
	}

	t.logger.Infow("user online", "user_id", conn.UserID())
	observability.SetOnlineUsers(len(t.registry.OnlineUserIDs()))
	t.registry.Broadcast(models.EventUserOnline, conn.UserID())
	t.broadcastSnapshot()
	t.audit.Emit(ctx, "INFO", "presence.online", "", conn.UserID())
}

// HandleDisconnect evicts the connection and, on an online-to-offline
// transition, broadcasts the delta followed by a refreshed snapshot.
func (t *Tracker) HandleDisconnect(ctx context.Context, conn registry.Conn) {
	wentOffline := t.registry.Evict(conn)
	observability.DecWSActive()
	if !wentOffline {
		return
	}

	t.logger.Infow("user offline", "user_id", conn.UserID())
	observability.SetOnlineUsers(len(t.registry.OnlineUserIDs()))
	t.registry.Broadcast(models.EventUserOffline, conn.UserID())
	t.broadcastSnapshot()
	t.audit.Emit(ctx, "INFO", "presence.offline", "", conn.UserID())
}

// broadcastSnapshot pushes the full online-users list to everyone.
// Clients treat it as replace-not-merge, so repeating it is safe.
func (t *Tracker) broadcastSnapshot() {
	t.registry.Broadcast(models.EventOnlineUsersList, t.registry.OnlineUserIDs())
}
