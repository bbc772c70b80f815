package usage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mkoshkin/vpnshop-system/internal/jalali"
	"github.com/mkoshkin/vpnshop-system/internal/model"
	"github.com/mkoshkin/vpnshop-system/internal/repository"
)

type fakeMeterLedger struct {
	orders []model.Order
	usages map[int64]*model.UsageRecord
	rows   []repository.UsageForLimitation

	appliedSpeeds map[int64][]string
}

func newFakeMeterLedger() *fakeMeterLedger {
	return &fakeMeterLedger{
		usages:        make(map[int64]*model.UsageRecord),
		appliedSpeeds: make(map[int64][]string),
	}
}

func (f *fakeMeterLedger) GetOrdersByStatus(_ context.Context, status model.OrderStatus) ([]model.Order, error) {
	var out []model.Order
	for _, o := range f.orders {
		if o.Status == status {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeMeterLedger) GetUsage(_ context.Context, orderID int64) (*model.UsageRecord, error) {
	return f.usages[orderID], nil
}

func (f *fakeMeterLedger) UpsertUsage(_ context.Context, rec *model.UsageRecord) error {
	cp := *rec
	f.usages[rec.OrderID] = &cp
	return nil
}

func (f *fakeMeterLedger) SetAppliedSpeed(_ context.Context, orderID int64, speed string) error {
	f.appliedSpeeds[orderID] = append(f.appliedSpeeds[orderID], speed)
	for i := range f.rows {
		if f.rows[i].OrderID == orderID {
			s := speed
			f.rows[i].AppliedSpeed = &s
		}
	}
	return nil
}

func (f *fakeMeterLedger) GetUsageForLimitation(_ context.Context) ([]repository.UsageForLimitation, error) {
	out := make([]repository.UsageForLimitation, len(f.rows))
	copy(out, f.rows)
	return out, nil
}

type fakeUsageGateway struct {
	sentMB     int64
	receivedMB int64
	usageCalls int

	attrs        map[string]string
	appliedAttrs []string
}

func (f *fakeUsageGateway) ResolveAccountID(context.Context, string) (string, error) {
	return "1", nil
}

func (f *fakeUsageGateway) ApplyGroup(context.Context, string, string) error { return nil }

func (f *fakeUsageGateway) ResetAccount(context.Context, string) error { return nil }

func (f *fakeUsageGateway) GetServiceWindow(context.Context, string) (string, string, error) {
	return "", "", nil
}

func (f *fakeUsageGateway) GetCumulativeUsage(context.Context, string, string, string) (int64, int64, error) {
	f.usageCalls++
	return f.sentMB, f.receivedMB, nil
}

func (f *fakeUsageGateway) GetRadiusAttributes(_ context.Context, _ string) (map[string]string, error) {
	out := make(map[string]string, len(f.attrs))
	for k, v := range f.attrs {
		out[k] = v
	}
	return out, nil
}

func (f *fakeUsageGateway) ApplyRadiusAttributes(_ context.Context, _ string, attrs string) error {
	f.appliedAttrs = append(f.appliedAttrs, attrs)
	// Панель отражает применённую строку при повторном чтении.
	for _, line := range strings.Split(attrs, "\n") {
		if rest, ok := strings.CutPrefix(line, "Rate-Limit="); ok {
			f.attrs["Rate-Limit"] = strings.Trim(rest, `"`)
		}
	}
	return nil
}

type recordingSink struct {
	messages []string
	userIDs  []int64
}

func (s *recordingSink) Notify(_ context.Context, userID int64, text string) error {
	s.userIDs = append(s.userIDs, userID)
	s.messages = append(s.messages, text)
	return nil
}

func newMeter(t *testing.T, repo Ledger, gw *fakeUsageGateway, sink *recordingSink, now time.Time) *Meter {
	t.Helper()
	m := NewMeter(repo, gw, sink, nil, zap.NewNop(), 4*time.Hour)
	m.now = func() time.Time { return now }
	return m
}

func TestSyncUsage_StoresSnapshot(t *testing.T) {
	now := time.Now()
	starts := jalali.Format(now.Add(-24 * time.Hour))
	expires := jalali.Format(now.Add(24 * time.Hour))

	repo := newFakeMeterLedger()
	repo.orders = []model.Order{{
		ID: 1, Username: "vpn_1001", Status: model.OrderStatusActive,
		StartsAt: &starts, ExpiresAt: &expires, VolumeMB: 30720,
	}}
	gw := &fakeUsageGateway{sentMB: 512, receivedMB: 1536, attrs: map[string]string{}}
	sink := &recordingSink{}

	m := newMeter(t, repo, gw, sink, now)
	require.NoError(t, m.Run(context.Background()))

	rec := repo.usages[1]
	require.NotNil(t, rec)
	assert.Equal(t, int64(512), rec.SentMB)
	assert.Equal(t, int64(1536), rec.ReceivedMB)
	assert.Equal(t, int64(2048), rec.TotalMB)
	assert.Equal(t, int64(30720), rec.CeilingMB)
	require.NotNil(t, rec.LastUpdate)
}

func TestSyncUsage_RateLimited(t *testing.T) {
	now := time.Now()
	starts := jalali.Format(now.Add(-24 * time.Hour))
	expires := jalali.Format(now.Add(24 * time.Hour))
	recent := now.Add(-30 * time.Minute)

	repo := newFakeMeterLedger()
	repo.orders = []model.Order{{
		ID: 1, Username: "vpn_1001", Status: model.OrderStatusActive,
		StartsAt: &starts, ExpiresAt: &expires,
	}}
	repo.usages[1] = &model.UsageRecord{OrderID: 1, TotalMB: 100, LastUpdate: &recent}
	gw := &fakeUsageGateway{sentMB: 999, receivedMB: 999, attrs: map[string]string{}}

	m := newMeter(t, repo, gw, &recordingSink{}, now)
	require.NoError(t, m.Run(context.Background()))

	assert.Zero(t, gw.usageCalls)
	assert.Equal(t, int64(100), repo.usages[1].TotalMB)
}

func TestSyncUsage_OutsideWindowSkipped(t *testing.T) {
	now := time.Now()
	starts := jalali.Format(now.Add(24 * time.Hour))
	expires := jalali.Format(now.Add(48 * time.Hour))

	repo := newFakeMeterLedger()
	repo.orders = []model.Order{{
		ID: 1, Username: "vpn_1001", Status: model.OrderStatusActive,
		StartsAt: &starts, ExpiresAt: &expires,
	}}
	gw := &fakeUsageGateway{attrs: map[string]string{}}

	m := newMeter(t, repo, gw, &recordingSink{}, now)
	require.NoError(t, m.Run(context.Background()))

	assert.Zero(t, gw.usageCalls)
	assert.Nil(t, repo.usages[1])
}

func TestSyncUsage_KeepsStoredTotalOnLowerReport(t *testing.T) {
	now := time.Now()
	starts := jalali.Format(now.Add(-24 * time.Hour))
	expires := jalali.Format(now.Add(24 * time.Hour))
	old := now.Add(-5 * time.Hour)

	repo := newFakeMeterLedger()
	repo.orders = []model.Order{{
		ID: 1, Username: "vpn_1001", Status: model.OrderStatusActive,
		StartsAt: &starts, ExpiresAt: &expires,
	}}
	repo.usages[1] = &model.UsageRecord{OrderID: 1, TotalMB: 5000, LastUpdate: &old}
	gw := &fakeUsageGateway{sentMB: 100, receivedMB: 200, attrs: map[string]string{}}

	m := newMeter(t, repo, gw, &recordingSink{}, now)
	require.NoError(t, m.Run(context.Background()))

	assert.Equal(t, int64(5000), repo.usages[1].TotalMB)
}

func TestApplyLimits_FirstTier(t *testing.T) {
	repo := newFakeMeterLedger()
	repo.rows = []repository.UsageForLimitation{{
		OrderID: 1, UserID: 42, Username: "vpn_1001",
		TotalMB: 21000, IsUnlimited: true, DurationMonths: 1,
	}}
	gw := &fakeUsageGateway{attrs: map[string]string{"Group": "1-Month"}}
	sink := &recordingSink{}

	m := newMeter(t, repo, gw, sink, time.Now())
	require.NoError(t, m.Run(context.Background()))

	require.Len(t, gw.appliedAttrs, 1)
	assert.Contains(t, gw.appliedAttrs[0], `Group="1-Month"`)
	assert.Contains(t, gw.appliedAttrs[0], `Rate-Limit="8m/8m"`)
	assert.Equal(t, []string{"8m"}, repo.appliedSpeeds[1])
	require.Len(t, sink.messages, 1)
	assert.Equal(t, []int64{42}, sink.userIDs)
	assert.Contains(t, sink.messages[0], "vpn_1001")
}

func TestApplyLimits_Idempotent(t *testing.T) {
	repo := newFakeMeterLedger()
	repo.rows = []repository.UsageForLimitation{{
		OrderID: 1, UserID: 42, Username: "vpn_1001",
		TotalMB: 21000, IsUnlimited: true, DurationMonths: 1,
	}}
	gw := &fakeUsageGateway{attrs: map[string]string{"Group": "1-Month"}}
	sink := &recordingSink{}

	m := newMeter(t, repo, gw, sink, time.Now())
	for i := 0; i < 3; i++ {
		require.NoError(t, m.Run(context.Background()))
	}

	assert.Len(t, gw.appliedAttrs, 1)
	assert.Len(t, sink.messages, 1)
	assert.Equal(t, []string{"8m"}, repo.appliedSpeeds[1])
}

func TestApplyLimits_EscalatesToNextTier(t *testing.T) {
	applied := "8m"
	repo := newFakeMeterLedger()
	repo.rows = []repository.UsageForLimitation{{
		OrderID: 1, UserID: 42, Username: "vpn_1001",
		TotalMB: 31000, IsUnlimited: true, DurationMonths: 1,
		AppliedSpeed: &applied,
	}}
	gw := &fakeUsageGateway{attrs: map[string]string{"Group": "1-Month", "Rate-Limit": "8m/8m"}}
	sink := &recordingSink{}

	m := newMeter(t, repo, gw, sink, time.Now())
	require.NoError(t, m.Run(context.Background()))

	require.Len(t, gw.appliedAttrs, 1)
	assert.Contains(t, gw.appliedAttrs[0], `Rate-Limit="4m/4m"`)
	assert.Equal(t, []string{"4m"}, repo.appliedSpeeds[1])
	assert.Len(t, sink.messages, 1)
}

func TestApplyLimits_NeverRelaxes(t *testing.T) {
	applied := "4m"
	repo := newFakeMeterLedger()
	repo.rows = []repository.UsageForLimitation{{
		OrderID: 1, UserID: 42, Username: "vpn_1001",
		// Трафик соответствует первой ступени, но применена вторая.
		TotalMB: 21000, IsUnlimited: true, DurationMonths: 1,
		AppliedSpeed: &applied,
	}}
	gw := &fakeUsageGateway{attrs: map[string]string{"Rate-Limit": "4m/4m"}}
	sink := &recordingSink{}

	m := newMeter(t, repo, gw, sink, time.Now())
	require.NoError(t, m.Run(context.Background()))

	assert.Empty(t, gw.appliedAttrs)
	assert.Empty(t, sink.messages)
}

func TestApplyLimits_VolumePlanSkipped(t *testing.T) {
	repo := newFakeMeterLedger()
	repo.rows = []repository.UsageForLimitation{{
		OrderID: 1, UserID: 42, Username: "vpn_1001",
		TotalMB: 90000, IsUnlimited: false, DurationMonths: 1,
	}}
	gw := &fakeUsageGateway{attrs: map[string]string{}}
	sink := &recordingSink{}

	m := newMeter(t, repo, gw, sink, time.Now())
	require.NoError(t, m.Run(context.Background()))

	assert.Empty(t, gw.appliedAttrs)
	assert.Empty(t, sink.messages)
}

func TestApplyLimits_ScalesByDuration(t *testing.T) {
	repo := newFakeMeterLedger()
	repo.rows = []repository.UsageForLimitation{{
		OrderID: 1, UserID: 42, Username: "vpn_1001",
		// Для трёхмесячного тарифа порог первой ступени 61440 MB.
		TotalMB: 40000, IsUnlimited: true, DurationMonths: 3,
	}}
	gw := &fakeUsageGateway{attrs: map[string]string{}}
	sink := &recordingSink{}

	m := newMeter(t, repo, gw, sink, time.Now())
	require.NoError(t, m.Run(context.Background()))

	assert.Empty(t, gw.appliedAttrs)
}

func TestTierFor(t *testing.T) {
	tests := []struct {
		name    string
		totalMB int64
		months  int
		want    int
	}{
		{"below first threshold", 10000, 1, -1},
		{"exactly first threshold", 20480, 1, 0},
		{"second tier", 30720, 1, 1},
		{"deepest tier", 200000, 1, 5},
		{"scaled by months", 30000, 2, -1},
		{"scaled crossing", 41000, 2, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tierFor(tt.totalMB, tt.months))
		})
	}
}
