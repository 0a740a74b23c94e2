package breakerstore

import (
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexavoice/gateway/internal/reliability"
)

func TestMemoryStore_ReturnsSameBreakerForSameKey(t *testing.T) {
	s := NewMemoryStore()
	key := Key{ProviderID: "deepgram", Endpoint: "wss://api.deepgram.com/v1/listen"}
	cfg := reliability.DefaultBreakerConfig()

	b1 := s.Get(key, cfg)
	b2 := s.Get(key, cfg)
	assert.Same(t, b1, b2)
}

func TestMemoryStore_DistinctKeysGetDistinctBreakers(t *testing.T) {
	s := NewMemoryStore()
	cfg := reliability.DefaultBreakerConfig()
	b1 := s.Get(Key{ProviderID: "deepgram", Endpoint: "listen"}, cfg)
	b2 := s.Get(Key{ProviderID: "azure", Endpoint: "listen"}, cfg)
	assert.NotSame(t, b1, b2)
}

func TestRedisStore_SeedsFromSharedFailureCount(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := NewRedisStore(client, time.Minute)

	key := Key{ProviderID: "azure", Endpoint: "speech"}
	cfg := reliability.BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Window:           10 * time.Second,
		Cooldown:         30 * time.Second,
	}

	mock.ExpectGet(key.redisKey()).SetVal("3")

	b := store.Get(key, cfg)
	require.NotNil(t, b)
	assert.Equal(t, reliability.BreakerOpen, b.State())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_MissingKeyLeavesBreakerClosed(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := NewRedisStore(client, time.Minute)

	key := Key{ProviderID: "openai", Endpoint: "realtime"}
	cfg := reliability.DefaultBreakerConfig()

	mock.ExpectGet(key.redisKey()).RedisNil()

	b := store.Get(key, cfg)
	assert.Equal(t, reliability.BreakerClosed, b.State())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_RecordOutcomeSuccessDeletesKey(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := NewRedisStore(client, time.Minute)
	key := Key{ProviderID: "cartesia", Endpoint: "tts"}

	mock.ExpectDel(key.redisKey()).SetVal(1)
	store.RecordOutcome(key, true)
	assert.NoError(t, mock.ExpectationsWereMet())
}
