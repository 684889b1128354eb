package fake

import (
	"context"
	"sync"

	"github.com/dzbus/buswatch/internal/integrations/notify"
)

type FakeClient struct {
	mu   sync.Mutex
	Sent []notify.Notification
	Err  error
}

func New() *FakeClient { return &FakeClient{} }

func (f *FakeClient) Send(ctx context.Context, n notify.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Sent = append(f.Sent, n)
	return nil
}

func (f *FakeClient) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Sent)
}
