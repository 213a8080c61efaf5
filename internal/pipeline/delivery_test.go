package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mchalios/linkdrop/internal/chat"
	"github.com/mchalios/linkdrop/internal/domain"
	"github.com/mchalios/linkdrop/internal/ledger"
)

func newTestDeliverer(t *testing.T, l *ledger.Ledger, m chat.Messenger, r chat.Reporter, cfg DeliveryConfig) *Deliverer {
	t.Helper()
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	d := NewDeliverer(m, r, l, chat.NewRegistry(), cfg, zerolog.Nop())
	d.sleep = noSleep
	return d
}

func tempFile(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("payload"), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestDeliver_SuccessSettlesAndRemovesFile(t *testing.T) {
	l := newTestLedger(t, 1)
	ctx := context.Background()
	if err := l.EnsureRecipient(ctx, "Alice"); err != nil {
		t.Fatal(err)
	}
	m := &fakeMessenger{}
	rep := &fakeReporter{}
	d := newTestDeliverer(t, l, m, rep, DeliveryConfig{MaxRetries: 2})

	path := tempFile(t, "file.zip")
	tk := task(individual("Alice"), "123")
	if err := d.Deliver(ctx, tk, path); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("delivered file was not removed")
	}
	credit, _ := l.Credit(ctx, individual("Alice"))
	if credit != 0 {
		t.Fatalf("credit after delivery = %d, want 0", credit)
	}
	n, _ := l.CountLogsForDay(ctx, individual("Alice"), l.Today())
	if n != 1 {
		t.Fatalf("log rows = %d, want 1", n)
	}
	if got := m.sentFiles(); len(got) != 1 || got[0] != path {
		t.Fatalf("sent files = %v", got)
	}
	if len(rep.all()) != 0 {
		t.Fatalf("unexpected error reports: %v", rep.all())
	}
}

func TestDeliver_RetriesThenSucceeds(t *testing.T) {
	l := newTestLedger(t, 1)
	ctx := context.Background()
	if err := l.EnsureRecipient(ctx, "Alice"); err != nil {
		t.Fatal(err)
	}
	m := &fakeMessenger{failSends: 2}
	d := newTestDeliverer(t, l, m, &fakeReporter{}, DeliveryConfig{MaxRetries: 3})

	path := tempFile(t, "file.zip")
	if err := d.Deliver(ctx, task(individual("Alice"), "123"), path); err != nil {
		t.Fatalf("deliver after retries: %v", err)
	}
	if len(m.switches) != 3 {
		t.Fatalf("switch calls = %d, want 3 (two failures + success)", len(m.switches))
	}
}

func TestDeliver_ExhaustionPreservesFileAndReports(t *testing.T) {
	l := newTestLedger(t, 1)
	ctx := context.Background()
	if err := l.EnsureRecipient(ctx, "Alice"); err != nil {
		t.Fatal(err)
	}
	m := &fakeMessenger{failSends: 10}
	rep := &fakeReporter{}
	d := newTestDeliverer(t, l, m, rep, DeliveryConfig{MaxRetries: 2})

	path := tempFile(t, "file.zip")
	err := d.Deliver(ctx, task(individual("Alice"), "123"), path)
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}

	// The file stays on disk for manual recovery and nothing was deducted.
	if _, statErr := os.Stat(path); statErr != nil {
		t.Fatalf("file not preserved: %v", statErr)
	}
	credit, _ := l.Credit(ctx, individual("Alice"))
	if credit != 1 {
		t.Fatalf("credit = %d, want untouched 1", credit)
	}
	n, _ := l.CountLogsForDay(ctx, individual("Alice"), l.Today())
	if n != 0 {
		t.Fatalf("log rows = %d, want 0", n)
	}
	reports := rep.all()
	if len(reports) != 1 || !strings.HasPrefix(reports[0], "delivery:") {
		t.Fatalf("reports = %v", reports)
	}
}

func TestDeliver_BoundarySingleCreditReachesZero(t *testing.T) {
	// remaining_credit = 1: admitted once; after one completion the balance
	// is 0 and the next admission is rejected.
	l := newTestLedger(t, 1)
	ctx := context.Background()
	g := NewGate(l, zerolog.Nop())
	m := &fakeMessenger{}
	d := newTestDeliverer(t, l, m, &fakeReporter{}, DeliveryConfig{MaxRetries: 1})

	ok, err := g.Admit(ctx, individual("Alice"))
	if err != nil || !ok {
		t.Fatalf("first admit: ok=%v err=%v", ok, err)
	}
	if err := d.Deliver(ctx, task(individual("Alice"), "123"), tempFile(t, "f.zip")); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	ok, err = g.Admit(ctx, individual("Alice"))
	if err != nil {
		t.Fatalf("second admit: %v", err)
	}
	if ok {
		t.Fatal("recipient admitted with zero remaining credit")
	}
}

func TestDeliver_SentWithoutCreditStillLogged(t *testing.T) {
	// Two tasks admitted against a balance of 1: the second send lands after
	// the balance raced to zero. The delivery still counts — log and summary
	// rows are written so the resource can never be admitted again.
	l := newTestLedger(t, 1)
	ctx := context.Background()
	m := &fakeMessenger{}
	d := newTestDeliverer(t, l, m, &fakeReporter{}, DeliveryConfig{MaxRetries: 1})

	alice := individual("Alice")
	if err := d.Deliver(ctx, task(alice, "100"), tempFile(t, "a.zip")); err != nil {
		t.Fatalf("first deliver: %v", err)
	}

	// Balance is already 0 when the second, previously admitted task lands.
	path := tempFile(t, "b.zip")
	if err := d.Deliver(ctx, task(alice, "200"), path); err != nil {
		t.Fatalf("second deliver: %v", err)
	}

	credit, _ := l.Credit(ctx, alice)
	if credit != 0 {
		t.Fatalf("credit = %d, want 0 (never negative)", credit)
	}
	delivered, err := l.Delivered(ctx, alice, "200")
	if err != nil {
		t.Fatalf("Delivered: %v", err)
	}
	if !delivered {
		t.Fatal("resource sent without remaining credit was not logged")
	}
	if n, _ := l.CountLogsForDay(ctx, alice, l.Today()); n != 2 {
		t.Fatalf("log rows = %d, want 2", n)
	}
	sums, err := l.SummariesForDay(ctx, l.Today())
	if err != nil {
		t.Fatalf("SummariesForDay: %v", err)
	}
	var total int64
	for _, s := range sums {
		total += s.DownloadCount
	}
	if total != 2 {
		t.Fatalf("summary total = %d, want 2 (summary == logs)", total)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("delivered file was not removed")
	}

	// The logged resource is a duplicate from now on.
	q := NewQueue(l)
	if err := q.Push(ctx, task(alice, "200")); !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("re-push of delivered resource: err = %v, want ErrDuplicateTask", err)
	}
}

func TestDeliver_FileTypeFilters(t *testing.T) {
	l := newTestLedger(t, 5)
	ctx := context.Background()
	if err := l.EnsureRecipient(ctx, "Alice"); err != nil {
		t.Fatal(err)
	}
	m := &fakeMessenger{}
	d := newTestDeliverer(t, l, m, &fakeReporter{}, DeliveryConfig{
		MaxRetries:   1,
		AllowedTypes: []string{"zip", "pdf"},
		IgnoredTypes: []string{"exe"},
	})

	blocked := tempFile(t, "malware.exe")
	if err := d.Deliver(ctx, task(individual("Alice"), "1"), blocked); !errors.Is(err, ErrFileTypeBlocked) {
		t.Fatalf("exe: %v, want ErrFileTypeBlocked", err)
	}
	notListed := tempFile(t, "notes.txt")
	if err := d.Deliver(ctx, task(individual("Alice"), "2"), notListed); !errors.Is(err, ErrFileTypeBlocked) {
		t.Fatalf("txt: %v, want ErrFileTypeBlocked", err)
	}
	allowed := tempFile(t, "doc.pdf")
	if err := d.Deliver(ctx, task(individual("Alice"), "3"), allowed); err != nil {
		t.Fatalf("pdf: %v", err)
	}

	// Blocked deliveries never touch the ledger.
	credit, _ := l.Credit(ctx, individual("Alice"))
	if credit != 4 {
		t.Fatalf("credit = %d, want 4 (one settle)", credit)
	}
}

func TestDeliver_LedgerFailurePreservesFile(t *testing.T) {
	l, db := newTestLedgerDB(t, 1)
	ctx := context.Background()
	if err := l.EnsureRecipient(ctx, "Alice"); err != nil {
		t.Fatal(err)
	}
	m := &fakeMessenger{}
	rep := &fakeReporter{}
	d := newTestDeliverer(t, l, m, rep, DeliveryConfig{MaxRetries: 1})

	// Break the accounting tables so Settle errors after the send.
	if err := db.Migrator().DropTable(&domain.DailySummary{}); err != nil {
		t.Fatalf("drop table: %v", err)
	}

	path := tempFile(t, "file.zip")
	if err := d.Deliver(ctx, task(individual("Alice"), "123"), path); err == nil {
		t.Fatal("expected settle error to propagate")
	}
	if _, statErr := os.Stat(path); statErr != nil {
		t.Fatalf("file not preserved after ledger failure: %v", statErr)
	}
	credit, _ := l.Credit(ctx, individual("Alice"))
	if credit != 1 {
		t.Fatalf("credit = %d, want 1 (rolled back)", credit)
	}
	reports := rep.all()
	if len(reports) != 1 || !strings.HasPrefix(reports[0], "ledger:") {
		t.Fatalf("reports = %v", reports)
	}
}

func TestDeliver_RegistryTracksConversation(t *testing.T) {
	l := newTestLedger(t, 1)
	ctx := context.Background()
	if err := l.EnsureRecipient(ctx, "Alice"); err != nil {
		t.Fatal(err)
	}
	reg := chat.NewRegistry()
	d := NewDeliverer(&fakeMessenger{}, &fakeReporter{}, l, reg, DeliveryConfig{MaxRetries: 1, RetryDelay: time.Millisecond}, zerolog.Nop())
	d.sleep = noSleep

	if err := d.Deliver(ctx, task(individual("Alice"), "123"), tempFile(t, "f.zip")); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	// The conversation is released once delivery finishes.
	if reg.Contains("Alice") {
		t.Fatal("conversation still registered after delivery")
	}
}
