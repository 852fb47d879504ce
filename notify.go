package comms

// Notifier is the platform notification sink. Inbound messages for
// channels that are not foregrounded and incoming call invites are
// forwarded to it; everything else is rendering, which is out of this
// layer's hands.
type Notifier interface {
	Notify(title, body, tag string)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(title, body, tag string)

func (f NotifierFunc) Notify(title, body, tag string) { f(title, body, tag) }
