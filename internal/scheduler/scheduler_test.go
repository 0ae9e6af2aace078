package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNewRejectsZeroInterval(t *testing.T) {
	if _, err := New(Options{}, zerolog.Nop()); !errors.Is(err, ErrInterval) {
		t.Fatalf("零间隔应报错: %v", err)
	}
}

func TestRunFiresUntilCancelled(t *testing.T) {
	s, err := New(Options{Interval: 10 * time.Millisecond}, zerolog.Nop())
	if err != nil {
		t.Fatalf("构造失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var beats atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(ctx context.Context, at time.Time) error {
			if beats.Add(1) == 3 {
				cancel()
			}
			return errors.New("失败的心跳不应中断调度")
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("应返回 context.Canceled: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("调度器未按时停止")
	}
	if beats.Load() < 3 {
		t.Fatalf("心跳次数不足: %d", beats.Load())
	}
}

func TestAlignedBeats(t *testing.T) {
	s, _ := New(Options{Interval: time.Minute, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2026, 1, 1, 10, 0, 30, 0, time.UTC)
	if got := s.nextBeat(now); !got.Equal(time.Date(2026, 1, 1, 10, 1, 0, 0, time.UTC)) {
		t.Fatalf("对齐错误: %s", got)
	}
	if got := s.beatStart(now); !got.Equal(time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("起点错误: %s", got)
	}
}
