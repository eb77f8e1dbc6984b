package connection

// Connection is an open websocket connection of a user.
type Connection struct {
	ConnectionID string `json:"ConnectionId" dynamodbav:"ConnectionId" db:"connection_id"`
	UserID       string `json:"UserId" dynamodbav:"UserId" db:"user_id"`
	TTL          int64  `json:"TTL" dynamodbav:"TTL" db:"ttl"`
	CreatedAt    string `json:"CreatedAt" dynamodbav:"CreatedAt" db:"created_at"`
}
