package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mchalios/linkdrop/internal/browser"
	"github.com/mchalios/linkdrop/internal/domain"
	"github.com/mchalios/linkdrop/internal/ledger"
	"github.com/mchalios/linkdrop/internal/repo"
)

func newTestLedger(t *testing.T, defaultCredit int64) *ledger.Ledger {
	t.Helper()
	l, _ := newTestLedgerDB(t, defaultCredit)
	return l
}

// newTestLedgerDB also exposes the raw handle so tests can sabotage the
// schema to exercise ledger failure paths.
func newTestLedgerDB(t *testing.T, defaultCredit int64) (*ledger.Ledger, *gorm.DB) {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("pipeline_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	l := ledger.New(db, ledger.Config{DefaultCredit: defaultCredit, Cutover: 6 * time.Hour}, zerolog.Nop())
	return l, db
}

func individual(key string) domain.CreditTarget {
	return domain.CreditTarget{Kind: domain.KindIndividual, Key: key}
}

func chatMember(group, nick string) domain.CreditTarget {
	return domain.CreditTarget{Kind: domain.KindGroupMember, Key: group, Member: nick}
}

// awaitResult scripts one AwaitDownload return value.
type awaitResult struct {
	path string
	err  error
}

// fakeExec is a scripted browser.ExecContext. Await results are consumed in
// order; the last one repeats once the script runs out.
type fakeExec struct {
	mu sync.Mutex

	openErr    error
	titleErr   error
	controlErr error
	clickErr   error
	confirmErr error // zero value means "no modal": ErrControlNotFound

	awaits     []awaitResult
	openCalls  int
	awaitCalls int
	clicks     []string
}

func newFakeExec(awaits ...awaitResult) *fakeExec {
	return &fakeExec{confirmErr: browser.ErrControlNotFound, awaits: awaits}
}

func (f *fakeExec) Open(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openCalls++
	return f.openErr
}

func (f *fakeExec) Title(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.titleErr != nil {
		return "", f.titleErr
	}
	return "Resource Title", nil
}

func (f *fakeExec) FindDownloadControl(context.Context) (browser.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.controlErr != nil {
		return nil, f.controlErr
	}
	return "download-button", nil
}

func (f *fakeExec) FindConfirmationControl(context.Context) (browser.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.confirmErr != nil {
		return nil, f.confirmErr
	}
	return "confirm-button", nil
}

func (f *fakeExec) Click(_ context.Context, h browser.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clicks = append(f.clicks, fmt.Sprint(h))
	return f.clickErr
}

func (f *fakeExec) AwaitDownload(context.Context, string, time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.awaitCalls
	f.awaitCalls++
	if i >= len(f.awaits) {
		i = len(f.awaits) - 1
	}
	if i < 0 {
		return "", browser.ErrTimeout
	}
	return f.awaits[i].path, f.awaits[i].err
}

// fakeMessenger records sends and can fail the first failSends SendFile
// calls.
type fakeMessenger struct {
	mu        sync.Mutex
	failSends int
	switchErr error

	switches []string
	files    []string
	texts    []string
}

func (m *fakeMessenger) SwitchTo(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.switches = append(m.switches, key)
	return m.switchErr
}

func (m *fakeMessenger) SendFile(path, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSends > 0 {
		m.failSends--
		return fmt.Errorf("send failed")
	}
	m.files = append(m.files, path)
	return nil
}

func (m *fakeMessenger) SendText(msg, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, msg)
	return nil
}

func (m *fakeMessenger) sentFiles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.files...)
}

func (m *fakeMessenger) sentTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.texts...)
}

// fakeReporter records operator-facing error reports.
type fakeReporter struct {
	mu      sync.Mutex
	reports []string
}

func (r *fakeReporter) ReportError(context, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, context+": "+msg)
}

func (r *fakeReporter) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reports...)
}

// noSleep replaces the retry pauses in tests.
func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// errSwitch scripts SwitchTo failures.
var errSwitch = errors.New("switch failed")
