package clients

import (
	"context"

	"github.com/vitwit/cryptopay/types"
)

// Client is the chain data source shared by every family. Fetching a single
// transaction is family specific and lives on the concrete clients.
type Client interface {
	// ListRecentReferences returns up to limit references touching address,
	// newest first.
	ListRecentReferences(ctx context.Context, address string, limit int) ([]string, error)
	// SubscribeAddressActivity streams change notifications for address. The
	// channel is closed when ctx ends or the subscription drops.
	SubscribeAddressActivity(ctx context.Context, address string) (<-chan types.ActivityEvent, error)
	GetNetwork() types.Network
	Close()
}
