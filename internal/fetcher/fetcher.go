package fetcher

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"anchored-view/internal/anchor"
)

// PairRefresher pulls fresh anchor pair state from the chain. It is the only
// blocking side of a pair source; reads are served from the last refresh.
type PairRefresher interface {
	anchor.PairSource
	Refresh(ctx context.Context, markets []common.Address) error
}
