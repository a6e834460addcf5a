package eventbus

import "context"

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type EventBus interface {
	Publisher
	Subscribe(ctx context.Context, groupID string) (<-chan Event, error)
}
