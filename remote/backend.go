package remote

import (
	"context"
	"net/http"

	"paged-vllm-go/pagedvllm"
)

// Block names a physical block on the wire.
type Block struct {
	Device string            `json:"device"`
	ID     pagedvllm.BlockID `json:"id"`
}

// Move is one block copy on the wire.
type Move struct {
	Src Block `json:"src"`
	Dst Block `json:"dst"`
}

func wireBlock(b pagedvllm.PhysicalBlock) Block {
	return Block{Device: b.Device.String(), ID: b.ID}
}

// Backend implements pagedvllm.CacheBackend by forwarding block operations
// to the compute server that holds the cache memory.
type Backend struct {
	client client
}

// NewBackend creates a backend for the server at serverURL.
func NewBackend(serverURL string, hc *http.Client) *Backend {
	return &Backend{client: newClient(serverURL, hc)}
}

func (b *Backend) AllocateBlock(pb pagedvllm.PhysicalBlock) error {
	return b.client.do(context.Background(), http.MethodPost, "/blocks/allocate", wireBlock(pb), nil)
}

func (b *Backend) FreeBlock(pb pagedvllm.PhysicalBlock) error {
	return b.client.do(context.Background(), http.MethodPost, "/blocks/free", wireBlock(pb), nil)
}

func (b *Backend) CopyBlocks(ctx context.Context, moves []pagedvllm.BlockMove) error {
	wire := make([]Move, len(moves))
	for i, mv := range moves {
		wire[i] = Move{Src: wireBlock(mv.Src), Dst: wireBlock(mv.Dst)}
	}
	return b.client.do(ctx, http.MethodPost, "/blocks/copy", wire, nil)
}
