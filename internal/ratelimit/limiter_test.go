package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestMemoryStore_FixedWindow(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	l := New(NewMemoryStore(), Config{Window: 60 * time.Second, MaxRequests: 100}).WithClock(clk.Now)

	first := l.Allow(ctx, "webhook:1.2.3.4")
	assert.True(t, first.Success)
	assert.Equal(t, 99, first.RemainingRequests)
	assert.Equal(t, clk.Now().Add(time.Minute), first.ResetTime)

	for i := 2; i < 100; i++ {
		require.True(t, l.Allow(ctx, "webhook:1.2.3.4").Success, "call %d", i)
	}

	hundredth := l.Allow(ctx, "webhook:1.2.3.4")
	assert.True(t, hundredth.Success)
	assert.Equal(t, 0, hundredth.RemainingRequests)

	rejected := l.Allow(ctx, "webhook:1.2.3.4")
	assert.False(t, rejected.Success)
	assert.Equal(t, 0, rejected.RemainingRequests)
	assert.Equal(t, first.ResetTime, rejected.ResetTime)

	clk.Advance(60*time.Second + time.Millisecond)
	reset := l.Allow(ctx, "webhook:1.2.3.4")
	assert.True(t, reset.Success)
	assert.Equal(t, 99, reset.RemainingRequests, "count restarts at 1")
}

func TestMemoryStore_WindowBoundaryIsInclusive(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	l := New(NewMemoryStore(), Config{Window: time.Minute, MaxRequests: 1}).WithClock(clk.Now)

	require.True(t, l.Allow(ctx, "k").Success)
	clk.Advance(time.Minute)
	assert.False(t, l.Allow(ctx, "k").Success, "a request at exactly resetTime is still in the window")
}

func TestMemoryStore_IdentifiersAreIndependent(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore(), Config{Window: time.Minute, MaxRequests: 1})

	assert.True(t, l.Allow(ctx, "webhook:a").Success)
	assert.False(t, l.Allow(ctx, "webhook:a").Success)
	assert.True(t, l.Allow(ctx, "webhook:b").Success)
}

func TestMemoryStore_Sweep(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	store := NewMemoryStore()
	l := New(store, Config{Window: time.Minute, MaxRequests: 10}).WithClock(clk.Now)

	l.Allow(ctx, "a")
	clk.Advance(30 * time.Second)
	l.Allow(ctx, "b")
	clk.Advance(45 * time.Second)

	assert.Equal(t, 1, store.Sweep(clk.Now()))
	assert.Equal(t, 1, store.Len())
}

func TestMemoryStore_StartSweeper(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	_, err := store.Hit(context.Background(), "a", Config{Window: time.Millisecond, MaxRequests: 1}, time.Now().Add(-time.Second))
	require.NoError(t, err)

	store.StartSweeper(5 * time.Millisecond)
	assert.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.NoError(t, store.Close())
}

func TestNew_Defaults(t *testing.T) {
	l := New(NewMemoryStore(), Config{})
	assert.Equal(t, 60*time.Second, l.Config().Window)
	assert.Equal(t, 100, l.Config().MaxRequests)
}

type brokenStore struct{}

func (brokenStore) Hit(context.Context, string, Config, time.Time) (Result, error) {
	return Result{}, errors.New("connection refused")
}

func TestLimiter_FailsOpen(t *testing.T) {
	clk := newClock()
	l := New(brokenStore{}, Config{Window: time.Minute, MaxRequests: 5}).WithClock(clk.Now)

	res := l.Allow(context.Background(), "k")
	assert.True(t, res.Success)
	assert.Equal(t, 4, res.RemainingRequests)
	assert.Equal(t, clk.Now().Add(time.Minute), res.ResetTime)
}

type fakeDynamo struct {
	mu       sync.Mutex
	counts   map[string]int
	expires  map[string]string
	failWith error
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{counts: make(map[string]int), expires: make(map[string]string)}
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	pk := in.Key["pk"].(*types.AttributeValueMemberS).Value
	inc, _ := strconv.Atoi(in.ExpressionAttributeValues[":one"].(*types.AttributeValueMemberN).Value)
	f.counts[pk] += inc
	if _, ok := f.expires[pk]; !ok {
		f.expires[pk] = in.ExpressionAttributeValues[":expires"].(*types.AttributeValueMemberN).Value
	}

	return &dynamodb.UpdateItemOutput{
		Attributes: map[string]types.AttributeValue{
			"pk":         &types.AttributeValueMemberS{Value: pk},
			"count":      &types.AttributeValueMemberN{Value: strconv.Itoa(f.counts[pk])},
			"expires_at": &types.AttributeValueMemberN{Value: f.expires[pk]},
		},
	}, nil
}

func TestDynamoDBStore_SharedCounter(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	db := newFakeDynamo()
	cfg := Config{Window: time.Minute, MaxRequests: 3}

	// two instances sharing one table
	a := New(NewDynamoDBStore(db, "rate-limits"), cfg).WithClock(clk.Now)
	b := New(NewDynamoDBStore(db, "rate-limits"), cfg).WithClock(clk.Now)

	r1 := a.Allow(ctx, "webhook:1.2.3.4")
	assert.True(t, r1.Success)
	assert.Equal(t, 2, r1.RemainingRequests)
	assert.Equal(t, clk.Now().Add(time.Minute), r1.ResetTime)

	assert.True(t, b.Allow(ctx, "webhook:1.2.3.4").Success)
	last := a.Allow(ctx, "webhook:1.2.3.4")
	assert.True(t, last.Success)
	assert.Equal(t, 0, last.RemainingRequests)

	assert.False(t, b.Allow(ctx, "webhook:1.2.3.4").Success)

	clk.Advance(time.Minute)
	assert.True(t, a.Allow(ctx, "webhook:1.2.3.4").Success, "next aligned window")
}

func TestDynamoDBStore_WritesTTL(t *testing.T) {
	clk := newClock()
	db := newFakeDynamo()
	l := New(NewDynamoDBStore(db, "rate-limits"), Config{Window: time.Minute, MaxRequests: 3}).WithClock(clk.Now)

	l.Allow(context.Background(), "k")

	pk := "k#" + strconv.FormatInt(clk.Now().UnixMilli(), 10)
	require.Contains(t, db.expires, pk)
	assert.Equal(t, strconv.FormatInt(clk.Now().Add(2*time.Minute).Unix(), 10), db.expires[pk])
}

func TestDynamoDBStore_ErrorFailsOpen(t *testing.T) {
	db := newFakeDynamo()
	db.failWith = errors.New("throttled")
	l := New(NewDynamoDBStore(db, "rate-limits"), Config{Window: time.Minute, MaxRequests: 1})

	assert.True(t, l.Allow(context.Background(), "k").Success)
	assert.True(t, l.Allow(context.Background(), "k").Success)

	_, err := NewDynamoDBStore(db, "rate-limits").Hit(context.Background(), "k", Config{Window: time.Minute, MaxRequests: 1}, time.Now())
	assert.ErrorContains(t, err, "throttled")
}
