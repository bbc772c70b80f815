package purchase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mkoshkin/vpnshop-system/internal/model"
	"github.com/mkoshkin/vpnshop-system/internal/repository"
)

type fakePurchaseLedger struct {
	users    map[int64]bool
	balances map[int64]int64
	plans    map[int64]*model.Plan
	orders   map[int64]*model.Order
	nextID   int64

	freeAccounts []model.Account
	reassigned   []string
}

func newFakePurchaseLedger() *fakePurchaseLedger {
	return &fakePurchaseLedger{
		users:    make(map[int64]bool),
		balances: make(map[int64]int64),
		plans:    make(map[int64]*model.Plan),
		orders:   make(map[int64]*model.Order),
		nextID:   1,
	}
}

func (f *fakePurchaseLedger) EnsureUser(_ context.Context, id int64, _, _ string) error {
	f.users[id] = true
	return nil
}

func (f *fakePurchaseLedger) GetUser(_ context.Context, id int64) (*model.User, error) {
	if !f.users[id] {
		return nil, repository.ErrUserNotFound
	}
	return &model.User{ID: id, Balance: f.balances[id]}, nil
}

func (f *fakePurchaseLedger) GetBalance(_ context.Context, userID int64) (int64, error) {
	return f.balances[userID], nil
}

func (f *fakePurchaseLedger) TopUpBalance(_ context.Context, userID, amount int64) error {
	f.balances[userID] += amount
	return nil
}

func (f *fakePurchaseLedger) DebitBalance(_ context.Context, userID, amount int64) error {
	if f.balances[userID] < amount {
		return repository.ErrInsufficientBalance
	}
	f.balances[userID] -= amount
	return nil
}

func (f *fakePurchaseLedger) GetPlan(_ context.Context, id int64) (*model.Plan, error) {
	p, ok := f.plans[id]
	if !ok {
		return nil, repository.ErrPlanNotFound
	}
	return p, nil
}

func (f *fakePurchaseLedger) AddAccount(_ context.Context, username, password string) (int64, error) {
	f.freeAccounts = append(f.freeAccounts, model.Account{
		ID: int64(len(f.freeAccounts) + 1), Username: username, Password: password,
	})
	return int64(len(f.freeAccounts)), nil
}

func (f *fakePurchaseLedger) ClaimFreeAccount(_ context.Context, orderID, planID int64) (*model.Account, error) {
	if len(f.freeAccounts) == 0 {
		return nil, repository.ErrNoFreeAccount
	}
	a := f.freeAccounts[0]
	f.freeAccounts = f.freeAccounts[1:]
	a.Status = model.AccountStatusAssigned
	a.OrderID = &orderID
	a.PlanID = &planID
	return &a, nil
}

func (f *fakePurchaseLedger) InsertOrder(_ context.Context, o *model.Order) (int64, error) {
	id := f.nextID
	f.nextID++
	cp := *o
	cp.ID = id
	f.orders[id] = &cp
	return id, nil
}

func (f *fakePurchaseLedger) GetOrder(_ context.Context, id int64) (*model.Order, error) {
	o, ok := f.orders[id]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (f *fakePurchaseLedger) GetOrdersByUser(_ context.Context, userID int64) ([]model.Order, error) {
	var out []model.Order
	for _, o := range f.orders {
		if o.UserID == userID {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakePurchaseLedger) SetOrderUsername(_ context.Context, id int64, username string) error {
	f.orders[id].Username = username
	return nil
}

func (f *fakePurchaseLedger) UpdateOrderStatusFrom(_ context.Context, id int64, from, to model.OrderStatus) (bool, error) {
	o, ok := f.orders[id]
	if !ok || o.Status != from {
		return false, nil
	}
	o.Status = to
	return true, nil
}

func (f *fakePurchaseLedger) UpdateOrderStatus(_ context.Context, id int64, to model.OrderStatus) error {
	o, ok := f.orders[id]
	if !ok {
		return repository.ErrOrderNotFound
	}
	o.Status = to
	return nil
}

func (f *fakePurchaseLedger) ReassignAccount(_ context.Context, username string, _, _ int64) error {
	f.reassigned = append(f.reassigned, username)
	return nil
}

type fakeGateway struct {
	resets []string
	groups map[string]string

	// resetErr возвращается ровно одним следующим вызовом ResetAccount.
	resetErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{groups: make(map[string]string)}
}

func (f *fakeGateway) ResolveAccountID(context.Context, string) (string, error) { return "1", nil }

func (f *fakeGateway) ApplyGroup(_ context.Context, username, group string) error {
	f.groups[username] = group
	return nil
}

func (f *fakeGateway) ResetAccount(_ context.Context, username string) error {
	if f.resetErr != nil {
		err := f.resetErr
		f.resetErr = nil
		return err
	}
	f.resets = append(f.resets, username)
	return nil
}

func (f *fakeGateway) GetServiceWindow(context.Context, string) (string, string, error) {
	return "", "", nil
}

func (f *fakeGateway) GetCumulativeUsage(context.Context, string, string, string) (int64, int64, error) {
	return 0, 0, nil
}

func (f *fakeGateway) GetRadiusAttributes(context.Context, string) (map[string]string, error) {
	return map[string]string{}, nil
}

func (f *fakeGateway) ApplyRadiusAttributes(context.Context, string, string) error { return nil }

type recordingSink struct {
	messages []string
}

func (s *recordingSink) Notify(_ context.Context, _ int64, text string) error {
	s.messages = append(s.messages, text)
	return nil
}

func testPlan() *model.Plan {
	return &model.Plan{
		ID: 7, Name: "نامحدود یک‌ماهه", VolumeGB: 0, DurationMonths: 1,
		Price: 150000, GroupName: "1-Month", IsUnlimited: true, Visible: true,
	}
}

func newService(repo Ledger, gw *fakeGateway, sink *recordingSink) *Service {
	return New(repo, gw, sink, zap.NewNop())
}

func TestPurchase_SufficientBalanceActivatesImmediately(t *testing.T) {
	repo := newFakePurchaseLedger()
	repo.plans[7] = testPlan()
	repo.balances[42] = 200000
	repo.freeAccounts = []model.Account{{ID: 1, Username: "vpn_1001", Password: "secret"}}
	gw := newFakeGateway()
	sink := &recordingSink{}

	order, err := newService(repo, gw, sink).Purchase(context.Background(), 42, 7, "Ali", "ali")
	require.NoError(t, err)

	assert.Equal(t, model.OrderStatusActive, order.Status)
	assert.Equal(t, "vpn_1001", order.Username)
	assert.Equal(t, int64(50000), repo.balances[42])
	assert.Equal(t, []string{"vpn_1001"}, gw.resets)
	assert.Equal(t, "1-Month", gw.groups["vpn_1001"])
	assert.Equal(t, []string{"vpn_1001"}, repo.reassigned)
	require.Len(t, sink.messages, 1)
	assert.Contains(t, sink.messages[0], "vpn_1001")
	assert.Contains(t, sink.messages[0], "secret")
}

func TestPurchase_InsufficientBalanceLeavesWaiting(t *testing.T) {
	repo := newFakePurchaseLedger()
	repo.plans[7] = testPlan()
	repo.balances[42] = 1000
	repo.freeAccounts = []model.Account{{ID: 1, Username: "vpn_1001", Password: "secret"}}
	gw := newFakeGateway()
	sink := &recordingSink{}

	order, err := newService(repo, gw, sink).Purchase(context.Background(), 42, 7, "Ali", "ali")
	require.NoError(t, err)

	assert.Equal(t, model.OrderStatusWaitingForPayment, order.Status)
	assert.Equal(t, "vpn_1001", order.Username)
	assert.Equal(t, int64(1000), repo.balances[42])
	assert.Empty(t, gw.resets)
	assert.Empty(t, sink.messages)
}

func TestPurchase_GatewayFailureReturnsOrderToQueue(t *testing.T) {
	repo := newFakePurchaseLedger()
	repo.plans[7] = testPlan()
	repo.balances[42] = 200000
	repo.freeAccounts = []model.Account{{ID: 1, Username: "vpn_1001", Password: "secret"}}
	gw := newFakeGateway()
	gw.resetErr = errors.New("panel unreachable")
	sink := &recordingSink{}
	svc := newService(repo, gw, sink)

	order, err := svc.Purchase(context.Background(), 42, 7, "Ali", "ali")
	require.NoError(t, err)

	// Оплаченный заказ не зависает активным без настроенной учётной
	// записи: деньги возвращаются, активацию доведёт фоновый проход.
	assert.Equal(t, model.OrderStatusWaitingForPayment, order.Status)
	assert.Equal(t, model.OrderStatusWaitingForPayment, repo.orders[order.ID].Status)
	assert.Equal(t, int64(200000), repo.balances[42])
	assert.Empty(t, gw.resets)
	assert.Empty(t, sink.messages)
}

func TestPurchase_NoFreeAccounts(t *testing.T) {
	repo := newFakePurchaseLedger()
	repo.plans[7] = testPlan()
	repo.balances[42] = 200000
	gw := newFakeGateway()

	_, err := newService(repo, gw, &recordingSink{}).Purchase(context.Background(), 42, 7, "Ali", "ali")
	require.ErrorIs(t, err, ErrNoCapacity)

	// Заказ без учётной записи не остаётся висеть в очереди оплаты.
	assert.Equal(t, model.OrderStatusCanceled, repo.orders[1].Status)
	assert.Equal(t, int64(200000), repo.balances[42])
}

func TestRenew_CreatesRenewalOrder(t *testing.T) {
	repo := newFakePurchaseLedger()
	repo.plans[7] = testPlan()
	repo.orders[10] = &model.Order{
		ID: 10, UserID: 42, PlanID: 7, Username: "vpn_1001",
		Status: model.OrderStatusActive,
	}
	repo.nextID = 11

	renewal, err := newService(repo, newFakeGateway(), &recordingSink{}).Renew(context.Background(), 42, 10)
	require.NoError(t, err)

	assert.Equal(t, model.OrderStatusWaitingForPayment, renewal.Status)
	assert.Equal(t, "vpn_1001", renewal.Username)
	require.NotNil(t, renewal.IsRenewalOf)
	assert.Equal(t, int64(10), *renewal.IsRenewalOf)
	assert.Equal(t, int64(150000), renewal.Price)
}

func TestRenew_ForeignOrderRejected(t *testing.T) {
	repo := newFakePurchaseLedger()
	repo.orders[10] = &model.Order{ID: 10, UserID: 99, Status: model.OrderStatusActive}

	_, err := newService(repo, newFakeGateway(), &recordingSink{}).Renew(context.Background(), 42, 10)
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestRenew_CanceledOrderRejected(t *testing.T) {
	repo := newFakePurchaseLedger()
	repo.orders[10] = &model.Order{ID: 10, UserID: 42, Status: model.OrderStatusCanceled}

	_, err := newService(repo, newFakeGateway(), &recordingSink{}).Renew(context.Background(), 42, 10)
	assert.ErrorIs(t, err, ErrNotRenewable)
}

func TestAddAccount_Validation(t *testing.T) {
	svc := newService(newFakePurchaseLedger(), newFakeGateway(), &recordingSink{})

	id, err := svc.AddAccount(context.Background(), "vpn_1002", "pw")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	_, err = svc.AddAccount(context.Background(), "", "pw")
	assert.ErrorIs(t, err, ErrBadAccount)
}

func TestTopUp(t *testing.T) {
	repo := newFakePurchaseLedger()
	repo.balances[42] = 1000

	svc := newService(repo, newFakeGateway(), &recordingSink{})

	balance, err := svc.TopUp(context.Background(), 42, 50000, "Ali", "ali")
	require.NoError(t, err)
	assert.Equal(t, int64(51000), balance)

	_, err = svc.TopUp(context.Background(), 42, 0, "Ali", "ali")
	assert.ErrorIs(t, err, ErrBadAmount)

	_, err = svc.TopUp(context.Background(), 42, -5, "Ali", "ali")
	assert.ErrorIs(t, err, ErrBadAmount)
}
