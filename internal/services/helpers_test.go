package services

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"entitlement-service/internal/database"
	"entitlement-service/internal/models"
	"entitlement-service/pkg/logging"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var kst = time.FixedZone("KST", 9*60*60)

func testPolicy() Policy {
	return Policy{
		Floor:                Allowance{Point: 0, AIPoint: 15},
		RenewalPeriodDays:    30,
		EventID:              1,
		EventProductID:       "membership_event_plus",
		EventDurationPeriods: 6,
	}
}

func newTestLedger(t *testing.T) *database.GormLedger {
	t.Helper()
	_, ledger := newTestStore(t)
	return ledger
}

func newTestStore(t *testing.T) (*gorm.DB, *database.GormLedger) {
	t.Helper()
	db, err := database.OpenSQLite("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db, database.NewLedger(db)
}

func seedProduct(t *testing.T, ledger *database.GormLedger, product models.Product) *models.Product {
	t.Helper()
	if product.Platform == "" {
		product.Platform = models.PlatformIOS
	}
	require.NoError(t, ledger.CreateProduct(context.Background(), &product))
	return &product
}

func basicProduct() models.Product {
	return models.Product{
		ProductID: "membership_basic",
		Type:      models.ProductTypeSubscription,
		Point:     30,
		AIPoint:   100,
	}
}

func eventProduct() models.Product {
	eventID := 1
	return models.Product{
		ProductID: "membership_event_plus",
		Type:      models.ProductTypeSubscription,
		Point:     100,
		AIPoint:   500,
		EventID:   &eventID,
	}
}

func seedUser(t *testing.T, ledger *database.GormLedger, user models.User) *models.User {
	t.Helper()
	if user.Email == "" {
		user.Email = uuid.NewString() + "@example.com"
	}
	require.NoError(t, ledger.CreateUser(context.Background(), &user))
	return &user
}

func seedPurchase(t *testing.T, ledger *database.GormLedger, userID uint, product *models.Product, txnID string, createdAt time.Time) *models.Purchase {
	t.Helper()
	purchase := &models.Purchase{
		UserID:        userID,
		Product:       product.Snapshot(),
		Receipt:       "receipt-" + txnID,
		TransactionID: txnID,
	}
	purchase.CreatedAt = createdAt
	require.NoError(t, ledger.CreatePurchase(context.Background(), purchase))
	return purchase
}

func reloadUser(t *testing.T, ledger *database.GormLedger, id uint) *models.User {
	t.Helper()
	user, err := ledger.FindUser(context.Background(), id)
	require.NoError(t, err)
	return user
}

func reloadPurchase(t *testing.T, ledger *database.GormLedger, id uint) *models.Purchase {
	t.Helper()
	purchase, err := ledger.FindPurchase(context.Background(), id)
	require.NoError(t, err)
	return purchase
}

func ptr[T any](v T) *T {
	return &v
}

// fakeValidator answers by receipt token
type fakeValidator struct {
	mu    sync.Mutex
	facts map[string]*models.ReceiptFact
	errs  map[string]error
	calls map[string]int
}

func newFakeValidator() *fakeValidator {
	return &fakeValidator{
		facts: make(map[string]*models.ReceiptFact),
		errs:  make(map[string]error),
		calls: make(map[string]int),
	}
}

func (f *fakeValidator) Validate(ctx context.Context, receipt models.Receipt, productID string) (*models.ReceiptFact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[receipt.Token]++
	if err, ok := f.errs[receipt.Token]; ok {
		return nil, err
	}
	fact, ok := f.facts[receipt.Token]
	if !ok || fact == nil {
		return nil, nil
	}
	copied := *fact
	return &copied, nil
}

func (f *fakeValidator) setFact(token, productID, txnID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.facts[token] = &models.ReceiptFact{ProductID: productID, TransactionID: txnID, OriginalTransactionID: "orig-" + token}
}

// recordingNotifier captures renewal notifications synchronously
type recordingNotifier struct {
	mu      sync.Mutex
	renewed []uint
}

func (n *recordingNotifier) NotifyRenewal(ctx context.Context, user *models.User, product *models.Product) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.renewed = append(n.renewed, user.ID)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.renewed)
}

// captureLogs redirects logging for the test and returns a reader of events
func captureLogs(t *testing.T) func() []map[string]interface{} {
	t.Helper()
	var buf bytes.Buffer
	var mu sync.Mutex
	restore := logging.SetOutput(&lockedWriter{w: &buf, mu: &mu})
	t.Cleanup(restore)

	return func() []map[string]interface{} {
		mu.Lock()
		defer mu.Unlock()
		var events []map[string]interface{}
		scanner := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
		for scanner.Scan() {
			var event map[string]interface{}
			if err := json.Unmarshal(scanner.Bytes(), &event); err == nil {
				events = append(events, event)
			}
		}
		return events
	}
}

type lockedWriter struct {
	w  *bytes.Buffer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func errorEvents(events []map[string]interface{}) []map[string]interface{} {
	var out []map[string]interface{}
	for _, e := range events {
		if e["level"] == "error" {
			out = append(out, e)
		}
	}
	return out
}
