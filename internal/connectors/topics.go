package connectors

const (
	TopicConnStatus      = "conn.status"
	TopicNetworkStatus   = "network.status"
	TopicActivityUpdate  = "activity.update"
	TopicActivityNotable = "activity.notable"
	TopicChatMessage     = "chat.message"
	TopicSyncFailed      = "sync.failed"
	TopicSyncCompleted   = "sync.completed"
)
