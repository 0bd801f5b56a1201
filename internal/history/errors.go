package history

import (
	"errors"

	"movie-discovery-watch-history-service/internal/models"
)

var (
	// ErrInvalidArgument is the only error surfaced to callers of Store mutators.
	ErrInvalidArgument = models.ErrInvalidArgument

	// ErrStorageUnavailable marks a storage failure. The store logs it and continues in memory.
	ErrStorageUnavailable = errors.New("history storage unavailable")
)
