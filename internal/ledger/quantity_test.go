package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAvailable(t *testing.T) {
	cases := []struct {
		name                                      string
		quantity, reserved, damaged, missing, used int
		want                                      int
	}{
		{name: "untouched", quantity: 100, want: 100},
		{name: "reserved", quantity: 100, reserved: 20, want: 80},
		{name: "write offs", quantity: 100, reserved: 10, damaged: 5, missing: 2, used: 3, want: 80},
		{name: "over committed clamps", quantity: 10, reserved: 11, want: 0},
		{name: "exactly committed", quantity: 10, reserved: 4, damaged: 6, want: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Available(tc.quantity, tc.reserved, tc.damaged, tc.missing, tc.used))
		})
	}
}

func TestAssetRecompute(t *testing.T) {
	a := Asset{Quantity: 50, ReservedQuantity: 20, DamagedCount: 5, AvailableQuantity: 999}
	require.Equal(t, 25, a.ExpectedAvailable())
	a.Recompute()
	require.Equal(t, 25, a.AvailableQuantity)
}

func TestSiteQuantityDropsEmptyEntries(t *testing.T) {
	var a Asset
	a.addSiteQuantity("north", 5)
	require.Equal(t, 5, a.SiteQuantity("north"))
	a.addSiteQuantity("north", -5)
	require.NotContains(t, a.SiteQuantities, "north")
	require.Zero(t, a.SiteQuantity("south"))
}

func TestRefreshStatus(t *testing.T) {
	wb := Waybill{Status: StatusSentToSite, Items: []WaybillItem{
		{AssetID: "a", Quantity: 4},
		{AssetID: "b", Quantity: 2},
	}}
	wb.refreshStatus()
	require.Equal(t, StatusSentToSite, wb.Status)

	wb.Items[0].ReturnedQuantity = 4
	wb.refreshStatus()
	require.Equal(t, StatusPartialReturned, wb.Status)
	require.Equal(t, StatusReturnCompleted, wb.Items[0].Status)

	wb.Items[1].ReturnedQuantity = 2
	wb.refreshStatus()
	require.Equal(t, StatusReturnCompleted, wb.Status)
}
