package ws

import (
	"errors"

	"github.com/lvdashuaibi/livepoll/internal/model"
)

func joinErrorMessage(err error) string {
	switch {
	case errors.Is(err, model.ErrInvalidPollID):
		return "Invalid poll ID"
	case errors.Is(err, model.ErrNotFound):
		return "Poll not found"
	case errors.Is(err, model.ErrInvalidConnectionState):
		return "Already joined a poll on this connection"
	default:
		return "Failed to join poll"
	}
}
