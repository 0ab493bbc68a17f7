package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/expense-assistant/internal/domain"
	"github.com/dvloznov/expense-assistant/internal/ledger"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "data", "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 2; i++ {
		db, err := Open(path)
		if err != nil {
			t.Fatalf("Open() #%d error = %v", i+1, err)
		}
		db.Close()
	}
}

func TestCategoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewCategoryStore(openTestDB(t))

	seed := []domain.CategoryEntry{
		{Name: "Travel", Kind: domain.CategoryKindExpense, SubcategoryNames: []string{"Flights"}},
		{Name: "Food & Dining", Kind: domain.CategoryKindExpense, SubcategoryNames: []string{"Restaurants", "Groceries"}},
		{Name: "Salary", Kind: domain.CategoryKindIncome, SubcategoryNames: []string{"Monthly Salary"}},
		{Name: "Other tracker", Kind: domain.CategoryKindExpense},
	}
	ids := map[string]string{}
	for i, e := range seed {
		trackerID := "tracker-1"
		if i == 3 {
			trackerID = "tracker-2"
		}
		id, err := store.InsertCategory(ctx, trackerID, e)
		if err != nil {
			t.Fatalf("InsertCategory(%s) error = %v", e.Name, err)
		}
		ids[e.Name] = id
	}

	got, err := store.ListCategories(ctx, "tracker-1", domain.CategoryKindExpense)
	if err != nil {
		t.Fatalf("ListCategories() error = %v", err)
	}
	want := []domain.CategoryEntry{
		{ID: ids["Food & Dining"], Name: "Food & Dining", Kind: domain.CategoryKindExpense, SubcategoryNames: []string{"Restaurants", "Groceries"}},
		{ID: ids["Travel"], Name: "Travel", Kind: domain.CategoryKindExpense, SubcategoryNames: []string{"Flights"}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ListCategories() = %+v, want %+v", got, want)
	}

	// Re-seeding the same name keeps the ID and refreshes subcategories.
	id, err := store.InsertCategory(ctx, "tracker-1", domain.CategoryEntry{Name: "Travel", Kind: domain.CategoryKindExpense, SubcategoryNames: []string{"Flights", "Hotels"}})
	if err != nil {
		t.Fatalf("InsertCategory(again) error = %v", err)
	}
	if id != ids["Travel"] {
		t.Errorf("re-seeded ID = %q, want %q", id, ids["Travel"])
	}

	if err := store.DeactivateCategory(ctx, "tracker-2", ids["Food & Dining"]); err != nil {
		t.Fatalf("DeactivateCategory(other tracker) error = %v", err)
	}
	if got, _ = store.ListCategories(ctx, "tracker-1", domain.CategoryKindExpense); len(got) != 2 {
		t.Errorf("other tracker deactivated an entry: %+v", got)
	}
	if err := store.DeactivateCategory(ctx, "tracker-1", ids["Food & Dining"]); err != nil {
		t.Fatalf("DeactivateCategory() error = %v", err)
	}
	got, _ = store.ListCategories(ctx, "tracker-1", domain.CategoryKindExpense)
	if len(got) != 1 || !reflect.DeepEqual(got[0].SubcategoryNames, []string{"Flights", "Hotels"}) {
		t.Errorf("after update = %+v", got)
	}

	if _, err := store.InsertCategory(ctx, "tracker-1", domain.CategoryEntry{Name: "x", Kind: "bogus"}); err == nil {
		t.Error("InsertCategory with unknown kind should fail")
	}
}

func TestUsageStore_RecordAndCorrect(t *testing.T) {
	ctx := context.Background()
	store := NewUsageStore(openTestDB(t))
	now := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	day := civil.DateOf(now)

	entry := ledger.MessageEntry{
		MessageID: "ex-1:user", ExchangeID: "ex-1", UserID: "u1",
		Tracker: ledger.TrackerSnapshot{ID: "t1", Name: "Home", Type: "personal", Currency: "INR"},
		Role:    domain.ChatRoleUser, Content: "lunch 250", TokenCount: 3,
		UsageDate: day, CreatedAt: now, UpdatedAt: now,
	}
	if err := store.RecordMessage(ctx, entry); err != nil {
		t.Fatalf("RecordMessage() error = %v", err)
	}

	corrected := entry
	corrected.TokenCount = 120
	corrected.UsageDate = day.AddDays(1)
	if err := store.RecordMessage(ctx, corrected); err != nil {
		t.Fatalf("RecordMessage(corrected) error = %v", err)
	}

	answer := entry
	answer.MessageID, answer.Role, answer.TokenCount = "ex-1:assistant", domain.ChatRoleAssistant, 30
	if err := store.RecordMessage(ctx, answer); err != nil {
		t.Fatalf("RecordMessage(answer) error = %v", err)
	}

	buckets, err := store.DailyBuckets(ctx, "u1", "", day.AddDays(-1), day.AddDays(1))
	if err != nil {
		t.Fatalf("DailyBuckets() error = %v", err)
	}
	want := []ledger.DailyBucket{{UserID: "u1", TrackerID: "t1", Date: day, TotalMessages: 2, UserMessages: 1, AIMessages: 1, TotalTokens: 150}}
	if !reflect.DeepEqual(buckets, want) {
		t.Errorf("DailyBuckets() = %+v, want %+v", buckets, want)
	}

	stored, err := store.Message(ctx, "ex-1:user")
	if err != nil {
		t.Fatalf("Message() error = %v", err)
	}
	if stored.TokenCount != 120 || stored.UsageDate != day || stored.Tracker.Name != "Home" {
		t.Errorf("Message() = %+v", stored)
	}
}

func TestUsageStore_RejectsForeignCorrection(t *testing.T) {
	ctx := context.Background()
	store := NewUsageStore(openTestDB(t))
	now := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	day := civil.DateOf(now)

	first := ledger.MessageEntry{MessageID: "m1", ExchangeID: "shared", UserID: "alice", Tracker: ledger.TrackerSnapshot{ID: "t1"}, Role: domain.ChatRoleUser, Content: "alice msg", TokenCount: 10, UsageDate: day, CreatedAt: now, UpdatedAt: now}
	if err := store.RecordMessage(ctx, first); err != nil {
		t.Fatalf("RecordMessage() error = %v", err)
	}

	foreign := first
	foreign.UserID, foreign.Content, foreign.TokenCount = "bob", "bob msg", 500
	if err := store.RecordMessage(ctx, foreign); !errors.Is(err, ledger.ErrForeignMessage) {
		t.Fatalf("RecordMessage(foreign) error = %v, want ErrForeignMessage", err)
	}

	stored, err := store.Message(ctx, "m1")
	if err != nil {
		t.Fatalf("Message() error = %v", err)
	}
	if stored.UserID != "alice" || stored.Content != "alice msg" || stored.TokenCount != 10 {
		t.Errorf("Message() = %+v, want alice's entry untouched", stored)
	}
	buckets, _ := store.DailyBuckets(ctx, "alice", "", day, day)
	if len(buckets) != 1 || buckets[0].TotalTokens != 10 {
		t.Errorf("alice buckets = %+v, want 10 tokens", buckets)
	}
}

func TestUsageStore_SharedExchangeIDThroughLedger(t *testing.T) {
	store := NewUsageStore(openTestDB(t))
	l := ledger.New(store, time.UTC)
	ctx := context.Background()
	tracker := ledger.TrackerSnapshot{ID: "t1"}

	for _, ex := range []ledger.Exchange{
		{ExchangeID: "shared", UserID: "alice", Tracker: tracker, Role: domain.ChatRoleUser, TokenCount: 10},
		{ExchangeID: "shared", UserID: "bob", Tracker: tracker, Role: domain.ChatRoleUser, TokenCount: 500},
	} {
		if err := l.RecordExchange(ctx, ex); err != nil {
			t.Fatalf("RecordExchange(%s) error = %v", ex.UserID, err)
		}
	}

	today := l.Today()
	for user, want := range map[string]int64{"alice": 10, "bob": 500} {
		buckets, err := l.DailyUsage(ctx, user, "", today, today)
		if err != nil {
			t.Fatalf("DailyUsage(%s) error = %v", user, err)
		}
		if len(buckets) != 1 || buckets[0].TotalTokens != want {
			t.Errorf("%s buckets = %+v, want %d tokens", user, buckets, want)
		}
	}
}

func TestUsageStore_ConcurrentLedgerWrites(t *testing.T) {
	store := NewUsageStore(openTestDB(t))
	l := ledger.New(store, time.UTC)
	ctx := context.Background()
	tracker := ledger.TrackerSnapshot{ID: "t1"}

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ex := ledger.Exchange{ExchangeID: fmt.Sprintf("ex-%d", i), UserID: "u1", Tracker: tracker, Role: domain.ChatRoleUser, TokenCount: 7}
			if err := l.RecordExchange(ctx, ex); err != nil {
				t.Errorf("RecordExchange() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	today := l.Today()
	buckets, err := l.DailyUsage(ctx, "u1", "t1", today, today)
	if err != nil {
		t.Fatalf("DailyUsage() error = %v", err)
	}
	if len(buckets) != 1 || buckets[0].TotalMessages != workers || buckets[0].TotalTokens != 7*workers {
		t.Errorf("buckets = %+v, want %d messages and %d tokens", buckets, workers, 7*workers)
	}
}

func TestUsageStore_LifecycleHooks(t *testing.T) {
	ctx := context.Background()
	store := NewUsageStore(openTestDB(t))
	now := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	day := civil.DateOf(now)

	for _, e := range []ledger.MessageEntry{
		{MessageID: "a:user", ExchangeID: "a", UserID: "u1", Tracker: ledger.TrackerSnapshot{ID: "t1", Name: "Home"}, Role: domain.ChatRoleUser, TokenCount: 1, UsageDate: day, CreatedAt: now, UpdatedAt: now},
		{MessageID: "b:user", ExchangeID: "b", UserID: "u1", Tracker: ledger.TrackerSnapshot{ID: "t2"}, Role: domain.ChatRoleUser, TokenCount: 1, UsageDate: day, CreatedAt: now, UpdatedAt: now},
		{MessageID: "c:user", ExchangeID: "c", UserID: "u2", Tracker: ledger.TrackerSnapshot{ID: "t3"}, Role: domain.ChatRoleUser, TokenCount: 1, UsageDate: day, CreatedAt: now, UpdatedAt: now},
	} {
		if err := store.RecordMessage(ctx, e); err != nil {
			t.Fatalf("RecordMessage() error = %v", err)
		}
	}

	if err := store.RenameTracker(ctx, "u1", "t1", "Family", "shared"); err != nil {
		t.Fatalf("RenameTracker() error = %v", err)
	}
	if err := store.MarkTrackerDeleted(ctx, "u1", "t1"); err != nil {
		t.Fatalf("MarkTrackerDeleted() error = %v", err)
	}
	m, err := store.Message(ctx, "a:user")
	if err != nil {
		t.Fatalf("Message() error = %v", err)
	}
	if m.Tracker.Name != "Family" || m.Tracker.Type != "shared" || !m.Tracker.Deleted {
		t.Errorf("snapshot = %+v", m.Tracker)
	}

	if err := store.PurgeTracker(ctx, "u2", "t2"); err != nil {
		t.Fatalf("PurgeTracker(foreign) error = %v", err)
	}
	if _, err := store.Message(ctx, "b:user"); err != nil {
		t.Errorf("another user's PurgeTracker removed the message: %v", err)
	}

	if err := store.PurgeTracker(ctx, "u1", "t2"); err != nil {
		t.Fatalf("PurgeTracker() error = %v", err)
	}
	if _, err := store.Message(ctx, "b:user"); err == nil {
		t.Error("PurgeTracker left the message behind")
	}
	buckets, _ := store.DailyBuckets(ctx, "u1", "", day, day)
	if len(buckets) != 1 || buckets[0].TrackerID != "t1" {
		t.Errorf("buckets after PurgeTracker = %+v", buckets)
	}

	if err := store.PurgeUser(ctx, "u2"); err != nil {
		t.Fatalf("PurgeUser() error = %v", err)
	}
	if buckets, _ := store.DailyBuckets(ctx, "u2", "", day, day); len(buckets) != 0 {
		t.Errorf("buckets after PurgeUser = %+v", buckets)
	}
}
