package sharding

import (
	"errors"
	"fmt"

	"github.com/codewandler/clstr-sharder/core/ipc"
)

var (
	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")

	// Lifecycle errors
	ErrSpawnTimeout    = errors.New("worker did not become ready in time")
	ErrSpawnFailed     = errors.New("worker failed to start")
	ErrAlreadySpawned  = errors.New("manager already spawned")
	ErrManagerClosed   = errors.New("manager closed")
	ErrClusterNotFound = fmt.Errorf("cluster %w", ipc.ErrNotFound)
)
