package shard

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForSnowflake(t *testing.T) {
	// 175928847299117063 >> 22 = 41944705796
	assert.Equal(t, int(41944705796%16), ForSnowflake(175928847299117063, 16))
	assert.Equal(t, 0, ForSnowflake(175928847299117063, 1))
	assert.Equal(t, 0, ForSnowflake(175928847299117063, 0))
}

func TestForID(t *testing.T) {
	got, err := ForID("175928847299117063", 16)
	require.NoError(t, err)
	assert.Equal(t, ForSnowflake(175928847299117063, 16), got)

	_, err = ForID("abc", 16)
	require.ErrorIs(t, err, ErrInvalidID)
	_, err = ForID("-1", 16)
	require.ErrorIs(t, err, ErrInvalidID)
}

func TestSnowflakeRoundTrip(t *testing.T) {
	const count = 7
	for shardID := range count {
		for seq := range uint64(5) {
			id := Snowflake(shardID, count, seq)
			got, err := ForID(strconv.FormatUint(id, 10), count)
			require.NoError(t, err)
			assert.Equal(t, shardID, got)
		}
	}
}
