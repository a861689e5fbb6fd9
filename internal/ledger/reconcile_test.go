package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpectedReservedCountsActiveOutboundOnly(t *testing.T) {
	waybills := []Waybill{
		{ID: "WB001", Type: WaybillTypeOutbound, Status: StatusOutstanding, Items: []WaybillItem{{AssetID: "a", Quantity: 5}}},
		{ID: "WB002", Type: WaybillTypeOutbound, Status: StatusSentToSite, Items: []WaybillItem{{AssetID: "a", Quantity: 3}}},
		{ID: "WB003", Type: WaybillTypeOutbound, Status: StatusPartialReturned, Items: []WaybillItem{{AssetID: "a", Quantity: 10, ReturnedQuantity: 4}}},
		{ID: "WB004", Type: WaybillTypeOutbound, Status: StatusReturnCompleted, Items: []WaybillItem{{AssetID: "a", Quantity: 7, ReturnedQuantity: 7}}},
		{ID: "RB001", Type: WaybillTypeReturn, Status: StatusOutstanding, Items: []WaybillItem{{AssetID: "a", Quantity: 9}}},
	}
	require.Equal(t, map[string]int{"a": 14}, ExpectedReserved(waybills))
}

func TestDetectDrift(t *testing.T) {
	waybills := []Waybill{
		{ID: "WB001", Type: WaybillTypeOutbound, Status: StatusOutstanding, Items: []WaybillItem{{AssetID: "a", Quantity: 5}}},
	}
	assets := []Asset{
		{ID: "a", Quantity: 10, ReservedQuantity: 5, AvailableQuantity: 5},
		{ID: "b", Quantity: 10, ReservedQuantity: 2, AvailableQuantity: 8},
		{ID: "c", Quantity: 10, AvailableQuantity: 3},
	}
	drift := DetectDrift(waybills, assets)
	require.Len(t, drift, 2)
	require.Equal(t, Correction{AssetID: "b", StoredReserved: 2, ExpectedReserved: 0, StoredAvailable: 8, ExpectedAvailable: 10}, drift[0])
	require.Equal(t, "c", drift[1].AssetID)
	require.Equal(t, 10, drift[1].ExpectedAvailable)
	require.Equal(t, 2, assets[1].ReservedQuantity, "inputs are left untouched")
}

func TestReconcileRepairsDriftOnce(t *testing.T) {
	repo := newMemoryRepo(scaffold(100))
	svc := NewService(repo, nil, nil, ServiceConfig{})
	ctx := context.Background()

	_, err := svc.CreateOutboundWaybill(ctx, outbound("scaffold", 20))
	require.NoError(t, err)
	repo.corrupt("scaffold", func(a *Asset) {
		a.ReservedQuantity = 3
		a.AvailableQuantity = 42
	})

	report, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	require.True(t, report.Drifted())
	require.Equal(t, 1, report.AssetsChecked)
	require.Len(t, report.Corrections, 1)
	require.Equal(t, 3, report.Corrections[0].StoredReserved)
	require.Equal(t, 20, report.Corrections[0].ExpectedReserved)

	asset := repo.asset("scaffold")
	require.Equal(t, 20, asset.ReservedQuantity)
	require.Equal(t, 80, asset.AvailableQuantity)

	writes := repo.writes()
	again, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	require.False(t, again.Drifted())
	require.Equal(t, writes, repo.writes())
}

func TestReconcileConcurrentCallsAgree(t *testing.T) {
	repo := newMemoryRepo(scaffold(100))
	svc := NewService(repo, nil, nil, ServiceConfig{})
	ctx := context.Background()
	_, err := svc.CreateOutboundWaybill(ctx, outbound("scaffold", 20))
	require.NoError(t, err)
	repo.corrupt("scaffold", func(a *Asset) { a.ReservedQuantity = 0 })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Reconcile(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	asset := repo.asset("scaffold")
	require.Equal(t, 20, asset.ReservedQuantity)
	require.Equal(t, 80, asset.AvailableQuantity)
}
