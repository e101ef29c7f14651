// ABOUTME: Out-of-band notices surfaced to UI layers via a Bus[Notice]
// ABOUTME: Session expiry, terminal connection failure, dead letters, migration completion

package events

// Notice bus topics.
const (
	TopicSession    = "session"
	TopicConnection = "connection"
	TopicQueue      = "queue"
	TopicMigration  = "migration"
)

// NoticeKind identifies what a Notice reports.
type NoticeKind string

const (
	// NoticeSessionExpired means the token refresh path is exhausted and the
	// user must re-authenticate.
	NoticeSessionExpired NoticeKind = "session_expired"

	// NoticeConnectionFailed is the realtime channel's terminal event after
	// the reconnect budget is spent. Emitted at most once per connect cycle.
	NoticeConnectionFailed NoticeKind = "connection_failed"

	// NoticeRecordDeadLettered means a mutation exhausted its attempt budget
	// and was moved out of the queue.
	NoticeRecordDeadLettered NoticeKind = "record_dead_lettered"

	// NoticeMigrationCompleted means guest data was accepted into a new
	// account and fresh credentials are in place.
	NoticeMigrationCompleted NoticeKind = "migration_completed"
)

// Notice is an out-of-band event for observers that care about engine-level
// state changes rather than domain data.
type Notice struct {
	Kind    NoticeKind
	Message string
}
