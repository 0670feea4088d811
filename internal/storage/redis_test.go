package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
)

func TestRedisCooldownsRoundTrip(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := NewRedisCooldowns(client, "sw", 48*time.Hour)
	ctx := context.Background()
	ts := time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)

	mock.ExpectGet("sw:cooldown:platinum:2610-2610").RedisNil()
	if _, ok, err := store.GetLastAlert(ctx, "platinum:2610-2610"); err != nil || ok {
		t.Fatalf("missing key should be (false, nil), got ok=%v err=%v", ok, err)
	}

	mock.ExpectSet("sw:cooldown:platinum:2610-2610", ts.Format(time.RFC3339Nano), 48*time.Hour).SetVal("OK")
	if err := store.SetLastAlert(ctx, "platinum:2610-2610", ts); err != nil {
		t.Fatalf("set: %v", err)
	}

	mock.ExpectGet("sw:cooldown:platinum:2610-2610").SetVal(ts.Format(time.RFC3339Nano))
	got, ok, err := store.GetLastAlert(ctx, "platinum:2610-2610")
	if err != nil || !ok || !got.Equal(ts) {
		t.Fatalf("expected %s, got %s ok=%v err=%v", ts, got, ok, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRedisCooldownsError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := NewRedisCooldowns(client, "", 0)

	mock.ExpectGet("spreadwatcher:cooldown:k").SetErr(errors.New("connection refused"))
	_, _, err := store.GetLastAlert(context.Background(), "k")
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
}
