package realtime

import "sync"

// Subscription is the handle returned by every observe call. After Release no new
// callback starts; it is safe to call more than once, including from the callback.
type Subscription struct {
	once    sync.Once
	release func()
}

func newSubscription(release func()) *Subscription {
	return &Subscription{release: release}
}

// NewSubscription wraps an arbitrary teardown function in a Subscription handle.
func NewSubscription(release func()) *Subscription {
	return newSubscription(release)
}

// Release tears the subscription down. A nil subscription is a no-op.
func (s *Subscription) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}
