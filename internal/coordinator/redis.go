package coordinator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

const (
	// opTimeout is the soft timeout on every coordinator call.
	opTimeout = 2 * time.Second
	// dayKeyTTL keeps per-day keys around long enough for audit, then
	// lets redis reclaim them.
	dayKeyTTL = 48 * time.Hour
	// webhookTTL is the idempotency window for payment events.
	webhookTTL = 7 * 24 * time.Hour
	// joinSlotCap bounds concurrent in-flight admissions per day.
	joinSlotCap = 500
)

// Config holds redis connection settings.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	JoinCap   int64
}

// Redis is the production Coordinator. Every call runs through a
// circuit breaker with a short timeout; an open circuit surfaces as
// ErrUnavailable so callers can apply their fail-open/fail-closed
// policy.
type Redis struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
	prefix  string
	joinCap int64
}

// NewRedis connects a coordinator client. The breaker trips after a
// small run of consecutive failures and probes again after 30s.
func NewRedis(cfg Config) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,

		PoolSize:     10,
		MinIdleConns: 2,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  opTimeout,
		WriteTimeout: opTimeout,

		MaxRetries:      2,
		MinRetryBackoff: 50 * time.Millisecond,
		MaxRetryBackoff: 250 * time.Millisecond,
	})

	st := gobreaker.Settings{Name: "coordinator"}
	st.Timeout = 30 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 5
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
			Msg("coordinator circuit state changed")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "quizarena:"
	}
	joinCap := cfg.JoinCap
	if joinCap <= 0 {
		joinCap = joinSlotCap
	}

	return &Redis{
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(st),
		prefix:  prefix,
		joinCap: joinCap,
	}
}

func (r *Redis) key(parts ...string) string {
	k := r.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// call runs fn through the breaker with the op timeout, mapping breaker
// and transport failures to ErrUnavailable.
func (r *Redis) call(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	res, err := r.breaker.Execute(func() (interface{}, error) {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		return fn(opCtx)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, ErrUnavailable
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return res, nil
}

func (r *Redis) Advance(ctx context.Context, date string, index int, startedAt time.Time) error {
	_, err := r.call(ctx, func(ctx context.Context) (interface{}, error) {
		idxKey := r.key(date, "idx")
		// Keep the index monotonic even if two processes race a tick.
		current, err := r.client.Get(ctx, idxKey).Int()
		if err != nil && err != redis.Nil {
			return nil, err
		}
		if err == nil && current >= index {
			return nil, nil
		}
		pipe := r.client.TxPipeline()
		pipe.Set(ctx, idxKey, index, dayKeyTTL)
		pipe.Set(ctx, r.key(date, "qstart"), startedAt.UnixMilli(), dayKeyTTL)
		_, err = pipe.Exec(ctx)
		return nil, err
	})
	return err
}

func (r *Redis) CurrentIndex(ctx context.Context, date string) (int, error) {
	res, err := r.call(ctx, func(ctx context.Context) (interface{}, error) {
		v, err := r.client.Get(ctx, r.key(date, "idx")).Result()
		if err == redis.Nil {
			return -1, nil
		}
		if err != nil {
			return nil, err
		}
		return strconv.Atoi(v)
	})
	if err != nil {
		return -1, err
	}
	return res.(int), nil
}

func (r *Redis) QuestionStartedAt(ctx context.Context, date string) (time.Time, error) {
	res, err := r.call(ctx, func(ctx context.Context) (interface{}, error) {
		v, err := r.client.Get(ctx, r.key(date, "qstart")).Int64()
		if err == redis.Nil {
			return time.Time{}, nil
		}
		if err != nil {
			return nil, err
		}
		return time.UnixMilli(v), nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return res.(time.Time), nil
}

func (r *Redis) AcquireFinalizeToken(ctx context.Context, date string) (int64, error) {
	res, err := r.call(ctx, func(ctx context.Context) (interface{}, error) {
		key := r.key(date, "finalize")
		token, err := r.client.Incr(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		r.client.Expire(ctx, key, dayKeyTTL)
		return token, nil
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

func (r *Redis) AcquireJoinSlot(ctx context.Context, date string) (bool, error) {
	res, err := r.call(ctx, func(ctx context.Context) (interface{}, error) {
		key := r.key(date, "joins")
		n, err := r.client.Incr(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		r.client.Expire(ctx, key, dayKeyTTL)
		if n > r.joinCap {
			r.client.Decr(ctx, key)
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

func (r *Redis) ReleaseJoinSlot(ctx context.Context, date string) error {
	_, err := r.call(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, r.client.Decr(ctx, r.key(date, "joins")).Err()
	})
	return err
}

func (r *Redis) SeenWebhookEvent(ctx context.Context, eventID string) (bool, error) {
	res, err := r.call(ctx, func(ctx context.Context) (interface{}, error) {
		set, err := r.client.SetNX(ctx, r.key("webhook", eventID), 1, webhookTTL).Result()
		if err != nil {
			return nil, err
		}
		return !set, nil // not set -> already present -> seen before
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

func (r *Redis) ForgetWebhookEvent(ctx context.Context, eventID string) error {
	_, err := r.call(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, r.client.Del(ctx, r.key("webhook", eventID)).Err()
	})
	return err
}

func (r *Redis) AddParticipant(ctx context.Context, date, userID string) error {
	_, err := r.call(ctx, func(ctx context.Context) (interface{}, error) {
		key := r.key(date, "participants")
		if err := r.client.SAdd(ctx, key, userID).Err(); err != nil {
			return nil, err
		}
		r.client.Expire(ctx, key, dayKeyTTL)
		return nil, nil
	})
	return err
}

func (r *Redis) Participants(ctx context.Context, date string) ([]string, error) {
	res, err := r.call(ctx, func(ctx context.Context) (interface{}, error) {
		return r.client.SMembers(ctx, r.key(date, "participants")).Result()
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

func (r *Redis) Close() error { return r.client.Close() }
