package notify

import (
	"context"
	"sync"
)

// Sender delivers a rendered message to its contact. Implementations must
// not retain the message beyond the call.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// Recorder is a Sender that captures messages for assertions in tests.
type Recorder struct {
	mu   sync.Mutex
	Sent []Message
}

func (r *Recorder) Send(_ context.Context, msg *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Sent = append(r.Sent, *msg)
	return nil
}

// Last returns the most recently recorded message, or nil.
func (r *Recorder) Last() *Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Sent) == 0 {
		return nil
	}
	msg := r.Sent[len(r.Sent)-1]
	return &msg
}
