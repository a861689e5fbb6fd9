package ledger

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// WaybillType distinguishes outbound shipments from returns.
type WaybillType string

const (
	// WaybillTypeOutbound ships stock from the warehouse to a site.
	WaybillTypeOutbound WaybillType = "waybill"
	// WaybillTypeReturn brings stock back from a site.
	WaybillTypeReturn WaybillType = "return"
)

// IsValid reports whether the type is known.
func (t WaybillType) IsValid() bool {
	return t == WaybillTypeOutbound || t == WaybillTypeReturn
}

// IDPrefix returns the human readable prefix of waybill ids of this type.
func (t WaybillType) IDPrefix() string {
	if t == WaybillTypeReturn {
		return "RB"
	}
	return "WB"
}

// WaybillStatus is shared by waybills and their items.
type WaybillStatus string

const (
	StatusOutstanding     WaybillStatus = "outstanding"      // created, nothing shipped or settled yet
	StatusSentToSite      WaybillStatus = "sent_to_site"     // goods physically at the site
	StatusPartialReturned WaybillStatus = "partial_returned" // some items returned
	StatusReturnCompleted WaybillStatus = "return_completed" // every item fully returned
)

// IsValid checks if the status is valid.
func (s WaybillStatus) IsValid() bool {
	switch s {
	case StatusOutstanding, StatusSentToSite, StatusPartialReturned, StatusReturnCompleted:
		return true
	default:
		return false
	}
}

// IsActive reports whether an outbound waybill in this status still holds a reservation.
func (s WaybillStatus) IsActive() bool {
	return s == StatusOutstanding || s == StatusSentToSite || s == StatusPartialReturned
}

// ActiveStatuses lists the statuses counted by the reconciliation sweep.
func ActiveStatuses() []WaybillStatus {
	return []WaybillStatus{StatusOutstanding, StatusSentToSite, StatusPartialReturned}
}

// ReturnCondition routes returned units to a counter.
type ReturnCondition string

const (
	// ConditionGood puts the units back into free stock.
	ConditionGood ReturnCondition = "good"
	// ConditionDamaged writes the units off as damaged.
	ConditionDamaged ReturnCondition = "damaged"
	// ConditionMissing writes the units off as missing.
	ConditionMissing ReturnCondition = "missing"
	// ConditionUsed writes the units off as consumed on site.
	ConditionUsed ReturnCondition = "used"
)

// IsValid checks if the condition is valid.
func (c ReturnCondition) IsValid() bool {
	switch c {
	case ConditionGood, ConditionDamaged, ConditionMissing, ConditionUsed:
		return true
	default:
		return false
	}
}

// SiteTransactionType is the direction of a site movement.
type SiteTransactionType string

const (
	SiteTransactionIn  SiteTransactionType = "in"
	SiteTransactionOut SiteTransactionType = "out"
)

// ReferenceTypeWaybill marks site transactions produced by a waybill.
const ReferenceTypeWaybill = "waybill"

// Asset holds the per-asset quantity counters.
type Asset struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Category          string         `json:"category,omitempty"`
	Unit              string         `json:"unit,omitempty"`
	Quantity          int            `json:"quantity"`
	ReservedQuantity  int            `json:"reservedQuantity"`
	AvailableQuantity int            `json:"availableQuantity"`
	DamagedCount      int            `json:"damagedCount"`
	MissingCount      int            `json:"missingCount"`
	UsedCount         int            `json:"usedCount"`
	SiteQuantities    map[string]int `json:"siteQuantities"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

// SiteQuantity returns the units recorded at the site.
func (a Asset) SiteQuantity(siteID string) int {
	if a.SiteQuantities == nil {
		return 0
	}
	return a.SiteQuantities[siteID]
}

// addSiteQuantity moves the site counter by delta. Empty entries are dropped.
func (a *Asset) addSiteQuantity(siteID string, delta int) {
	if a.SiteQuantities == nil {
		a.SiteQuantities = make(map[string]int)
	}
	next := a.SiteQuantities[siteID] + delta
	if next <= 0 {
		delete(a.SiteQuantities, siteID)
		return
	}
	a.SiteQuantities[siteID] = next
}

// Clone returns a deep copy of the asset.
func (a Asset) Clone() Asset {
	out := a
	if a.SiteQuantities != nil {
		out.SiteQuantities = make(map[string]int, len(a.SiteQuantities))
		for k, v := range a.SiteQuantities {
			out.SiteQuantities[k] = v
		}
	}
	return out
}

// WaybillItem is a line of a waybill.
type WaybillItem struct {
	AssetID          string        `json:"assetId"`
	AssetName        string        `json:"assetName"`
	Quantity         int           `json:"quantity"`
	ReturnedQuantity int           `json:"returnedQuantity"`
	Status           WaybillStatus `json:"status"`
}

// Outstanding returns the quantity not yet returned.
func (i WaybillItem) Outstanding() int {
	return clampZero(i.Quantity - i.ReturnedQuantity)
}

// Waybill documents an outbound shipment or a return.
type Waybill struct {
	ID                 string        `json:"id"`
	Type               WaybillType   `json:"type"`
	Status             WaybillStatus `json:"status"`
	SiteID             string        `json:"siteId"`
	ReturnToSiteID     string        `json:"returnToSiteId,omitempty"`
	Items              []WaybillItem `json:"items"`
	IssueDate          time.Time     `json:"issueDate"`
	SentToSiteDate     *time.Time    `json:"sentToSiteDate,omitempty"`
	ExpectedReturnDate *time.Time    `json:"expectedReturnDate,omitempty"`
	DriverName         string        `json:"driverName,omitempty"`
	Vehicle            string        `json:"vehicle,omitempty"`
	Purpose            string        `json:"purpose,omitempty"`
	Notes              string        `json:"notes,omitempty"`
	CreatedBy          int64         `json:"createdBy,omitempty"`
	CreatedAt          time.Time     `json:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt"`
}

// Clone returns a deep copy of the waybill.
func (w Waybill) Clone() Waybill {
	out := w
	out.Items = append([]WaybillItem(nil), w.Items...)
	if w.SentToSiteDate != nil {
		t := *w.SentToSiteDate
		out.SentToSiteDate = &t
	}
	if w.ExpectedReturnDate != nil {
		t := *w.ExpectedReturnDate
		out.ExpectedReturnDate = &t
	}
	return out
}

// ItemIndex returns the position of the asset's item or -1.
func (w Waybill) ItemIndex(assetID string) int {
	for i, item := range w.Items {
		if item.AssetID == assetID {
			return i
		}
	}
	return -1
}

// AssetIDs returns the distinct asset ids referenced by the items, sorted.
func (w Waybill) AssetIDs() []string {
	ids := make([]string, 0, len(w.Items))
	for _, item := range w.Items {
		ids = append(ids, item.AssetID)
	}
	return uniqueSorted(ids)
}

// refreshStatus derives item and waybill statuses from returned quantities.
// A waybill with nothing returned keeps its current status.
func (w *Waybill) refreshStatus() {
	total, returned, complete := 0, 0, true
	for i := range w.Items {
		item := &w.Items[i]
		total += item.Quantity
		returned += item.ReturnedQuantity
		switch {
		case item.ReturnedQuantity >= item.Quantity:
			item.Status = StatusReturnCompleted
		case item.ReturnedQuantity > 0:
			item.Status = StatusPartialReturned
			complete = false
		default:
			complete = false
		}
	}
	switch {
	case total > 0 && complete:
		w.Status = StatusReturnCompleted
	case returned > 0:
		w.Status = StatusPartialReturned
	}
}

// SiteTransaction is the audit trail of a send-to-site event.
type SiteTransaction struct {
	ID            string              `json:"id"`
	SiteID        string              `json:"siteId"`
	AssetID       string              `json:"assetId"`
	AssetName     string              `json:"assetName"`
	Quantity      int                 `json:"quantity"`
	Type          SiteTransactionType `json:"type"`
	ReferenceID   string              `json:"referenceId"`
	ReferenceType string              `json:"referenceType"`
	Condition     string              `json:"condition,omitempty"`
	Notes         string              `json:"notes,omitempty"`
	CreatedBy     int64               `json:"createdBy,omitempty"`
	CreatedAt     time.Time           `json:"createdAt"`
}

// WaybillMeta carries descriptive fields supplied on creation.
type WaybillMeta struct {
	IssueDate          time.Time
	ExpectedReturnDate *time.Time
	DriverName         string
	Vehicle            string
	Purpose            string
	Notes              string
	ActorID            int64
	IdempotencyKey     string
}

// ItemInput requests a quantity of an asset.
type ItemInput struct {
	AssetID  string
	Quantity int
}

// ReturnLine reports returned units of an asset and their condition.
type ReturnLine struct {
	AssetID   string
	Quantity  int
	Condition ReturnCondition
}

// CreateOutboundInput describes a new outbound waybill.
type CreateOutboundInput struct {
	SiteID string
	Items  []ItemInput
	Meta   WaybillMeta
}

// Validate ensures the input is well formed.
func (in CreateOutboundInput) Validate() error {
	if strings.TrimSpace(in.SiteID) == "" {
		return validationf("site required")
	}
	return validateItems(in.Items)
}

// CreateReturnInput describes a return waybill.
type CreateReturnInput struct {
	SiteID         string
	ReturnToSiteID string
	Items          []ReturnLine
	Meta           WaybillMeta
}

// Validate ensures the input is well formed.
func (in CreateReturnInput) Validate() error {
	if strings.TrimSpace(in.SiteID) == "" {
		return validationf("site required")
	}
	return validateReturnLines(in.Items)
}

// UpdateWaybillInput replaces the item list of a waybill.
type UpdateWaybillInput struct {
	Items              []ItemInput
	ExpectedReturnDate *time.Time
	Notes              *string
	ActorID            int64
}

// Validate ensures the input is well formed. Zero quantities remove an item.
func (in UpdateWaybillInput) Validate() error {
	if len(in.Items) == 0 {
		return validationf("at least one item required")
	}
	seen := make(map[string]struct{}, len(in.Items))
	for _, item := range in.Items {
		if strings.TrimSpace(item.AssetID) == "" {
			return validationf("asset required")
		}
		if item.Quantity < 0 {
			return validationf("quantity for %s must not be negative", item.AssetID)
		}
		if _, dup := seen[item.AssetID]; dup {
			return validationf("asset %s listed twice", item.AssetID)
		}
		seen[item.AssetID] = struct{}{}
	}
	return nil
}

// AdjustStockInput changes the owned quantity of an asset.
type AdjustStockInput struct {
	AssetID string
	Delta   int
	Note    string
	ActorID int64
}

// WaybillFilter narrows waybill listings.
type WaybillFilter struct {
	Type      WaybillType
	Statuses  []WaybillStatus
	SiteID    string
	ForUpdate bool
}

// Matches reports whether the waybill passes the filter.
func (f WaybillFilter) Matches(w Waybill) bool {
	if f.Type != "" && w.Type != f.Type {
		return false
	}
	if f.SiteID != "" && w.SiteID != f.SiteID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if w.Status == s {
			return true
		}
	}
	return false
}

// SiteTransactionFilter narrows site transaction listings.
type SiteTransactionFilter struct {
	SiteID      string
	AssetID     string
	ReferenceID string
	Limit       int
}

func validateItems(items []ItemInput) error {
	if len(items) == 0 {
		return validationf("at least one item required")
	}
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if strings.TrimSpace(item.AssetID) == "" {
			return validationf("asset required")
		}
		if item.Quantity <= 0 {
			return validationf("quantity for %s must be positive", item.AssetID)
		}
		if _, dup := seen[item.AssetID]; dup {
			return validationf("asset %s listed twice", item.AssetID)
		}
		seen[item.AssetID] = struct{}{}
	}
	return nil
}

func validateReturnLines(lines []ReturnLine) error {
	if len(lines) == 0 {
		return validationf("at least one item required")
	}
	for _, line := range lines {
		if strings.TrimSpace(line.AssetID) == "" {
			return validationf("asset required")
		}
		if line.Quantity <= 0 {
			return validationf("return quantity for %s must be positive", line.AssetID)
		}
		if !line.Condition.IsValid() {
			return validationf("unknown condition %q", line.Condition)
		}
	}
	return nil
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func formatWaybillID(prefix string, n int) string {
	return fmt.Sprintf("%s%03d", prefix, n)
}
