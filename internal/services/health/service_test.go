package health

import (
	"context"
	"errors"
	"testing"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) PingContext(ctx context.Context) error { return f(ctx) }

func TestStatus(t *testing.T) {
	if got := NewService(nil).Status(context.Background()); !got.OK || got.Database != "memory" {
		t.Fatalf("unexpected memory report %+v", got)
	}
	ok := NewService(pingFunc(func(context.Context) error { return nil }))
	if got := ok.Status(context.Background()); !got.OK || got.Database != "ok" {
		t.Fatalf("unexpected ok report %+v", got)
	}
	down := NewService(pingFunc(func(context.Context) error { return errors.New("refused") }))
	if got := down.Status(context.Background()); got.OK {
		t.Fatalf("expected unhealthy report")
	}
}
