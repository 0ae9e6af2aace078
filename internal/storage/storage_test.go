package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"negotiation-hive/internal/domain"
)

func TestStoreWithoutPool(t *testing.T) {
	var s *Store
	if _, err := s.GetDeal(context.Background(), uuid.New()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("未配置连接池应返回 ErrNotConfigured, 实际 %v", err)
	}
	if err := NewStore(nil).Migrate(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("未配置连接池应返回 ErrNotConfigured, 实际 %v", err)
	}
}

func TestMemoCollisionNeedsMemoConstraint(t *testing.T) {
	memo := &pgconn.PgError{Code: uniqueViolation, ConstraintName: memoConstraint}
	if !isMemoCollision(fmt.Errorf("insert: %w", memo)) {
		t.Fatal("memo 唯一索引冲突应识别为 memo 碰撞")
	}
	pkey := &pgconn.PgError{Code: uniqueViolation, ConstraintName: "locked_deals_pkey"}
	if isMemoCollision(pkey) {
		t.Fatal("主键冲突不应被当作 memo 碰撞")
	}
	if isMemoCollision(errors.New("boom")) {
		t.Fatal("普通错误不应被当作 memo 碰撞")
	}
}

func newDeal(memo string, expires time.Time) domain.LockedDeal {
	return domain.LockedDeal{
		ID:          uuid.New(),
		ItemID:      "hotel_alpha",
		ItemName:    "Hotel Alpha",
		FinalPrice:  decimal.NewFromInt(850),
		Currency:    "USDC",
		PaymentMemo: memo,
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   expires,
	}
}

func TestMemoryRejectsDuplicateMemo(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.CreateDeal(ctx, newDeal("abcd1234", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("首次创建不应失败: %v", err)
	}
	if err := m.CreateDeal(ctx, newDeal("abcd1234", time.Now().Add(time.Hour))); !errors.Is(err, ErrDuplicateMemo) {
		t.Fatalf("重复 memo 应返回 ErrDuplicateMemo, 实际 %v", err)
	}
}

func TestMemoryPaidIsTerminal(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	deal := newDeal("memo0001", time.Now().Add(-time.Minute))
	_ = m.CreateDeal(ctx, deal)

	if err := m.MarkDealPaid(ctx, deal.ID, domain.PaymentProof{TransactionHash: "sig", ConfirmedAt: time.Now()}); err != nil {
		t.Fatalf("PENDING -> PAID 应成功: %v", err)
	}
	if err := m.MarkDealExpired(ctx, deal.ID, time.Now()); !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("PAID 后不能再过期, 实际 %v", err)
	}
	if err := m.MarkDealPaid(ctx, deal.ID, domain.PaymentProof{TransactionHash: "other"}); !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("PAID 后不能重复支付, 实际 %v", err)
	}

	got, _ := m.GetDeal(ctx, deal.ID)
	if got.Status != domain.DealPaid || *got.TransactionHash != "sig" {
		t.Fatalf("状态不正确: %+v", got)
	}
}

func TestMemoryExpireRequiresPastExpiry(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	deal := newDeal("memo0002", time.Now().Add(time.Hour))
	_ = m.CreateDeal(ctx, deal)

	if err := m.MarkDealExpired(ctx, deal.ID, time.Now()); !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("未到期不应过期, 实际 %v", err)
	}
	if err := m.MarkDealExpired(ctx, deal.ID, time.Now().Add(2*time.Hour)); err != nil {
		t.Fatalf("到期后应可过期: %v", err)
	}
}

func TestMemoryConcurrentPaidSingleWinner(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	deal := newDeal("memo0003", time.Now().Add(time.Hour))
	_ = m.CreateDeal(ctx, deal)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.MarkDealPaid(ctx, deal.ID, domain.PaymentProof{TransactionHash: "sig"}) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("只能有一个并发写入成功, 实际 %d", wins.Load())
	}
}

func TestMemoryListRecent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Now().UTC()
	for i, memo := range []string{"m1", "m2", "m3"} {
		deal := newDeal(memo, base.Add(time.Hour))
		deal.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		_ = m.CreateDeal(ctx, deal)
	}

	recent, _ := m.ListRecentDeals(ctx, 2)
	if len(recent) != 2 || recent[0].PaymentMemo != "m3" {
		t.Fatalf("应按时间倒序返回: %+v", recent)
	}

	window, _ := m.ListDealsBetween(ctx, base, base.Add(90*time.Second))
	if len(window) != 2 {
		t.Fatalf("窗口内应有 2 条, 实际 %d", len(window))
	}
}
