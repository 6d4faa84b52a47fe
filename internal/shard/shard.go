// Package shard maps gateway entity ids to shard ids.
package shard

import (
	"errors"
	"fmt"
	"strconv"
)

var ErrInvalidID = errors.New("shard: invalid snowflake id")

// timestampShift drops the worker, process and increment bits of a snowflake.
const timestampShift = 22

// ForSnowflake returns the shard a guild with the given snowflake id lives on.
func ForSnowflake(id uint64, shardCount int) int {
	if shardCount <= 0 {
		return 0
	}
	return int((id >> timestampShift) % uint64(shardCount))
}

// ForID is ForSnowflake for a decimal string id.
func ForID(id string, shardCount int) (int, error) {
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w %q", ErrInvalidID, id)
	}
	return ForSnowflake(n, shardCount), nil
}

// Snowflake builds the smallest id that ForSnowflake maps to shard, with
// seq selecting among ids on the same shard.
func Snowflake(shardID, shardCount int, seq uint64) uint64 {
	return (seq*uint64(shardCount) + uint64(shardID)) << timestampShift
}
