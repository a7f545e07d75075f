package notifications

// Category tells senders what a notification is about.
type Category string

const (
	CategoryMessage    Category = "message"
	CategoryActivity   Category = "activity"
	CategorySync       Category = "sync"
	CategoryConnection Category = "connection"
)

// Payload is a user-facing notification.
type Payload struct {
	Title    string
	Content  string
	Category Category
}

// Urgent reports whether the payload is about lost work and should also be audible.
func (p Payload) Urgent() bool {
	return p.Category == CategorySync
}

// Sender delivers notifications through a platform-specific backend.
type Sender interface {
	Send(payload Payload)
}
