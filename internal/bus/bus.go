package bus

type Notification struct {
	ChatID int64
	Text   string
}
