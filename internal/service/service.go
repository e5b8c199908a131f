package service

import (
	"context"

	"github.com/immxrtalbeast/axenix_meet/internal/domain"
	"github.com/immxrtalbeast/axenix_meet/internal/registry"
)

// RoomInteractor is what the transport layer needs from the relay router.
type RoomInteractor interface {
	Connect(ctx context.Context, connectionID string, sink registry.Sink)
	Disconnect(ctx context.Context, connectionID string)
	HandleMessage(ctx context.Context, connectionID string, msg *domain.Message) error
	Status() Status
	ListRooms() []registry.RoomSummary
}

var _ RoomInteractor = (*RoomService)(nil)
