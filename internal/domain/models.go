package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "cash"
	PaymentCard     PaymentMethod = "card"
	PaymentTransfer PaymentMethod = "transfer"
	PaymentCredit   PaymentMethod = "credit"
)

func (m PaymentMethod) Supported() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentTransfer, PaymentCredit:
		return true
	default:
		return false
	}
}

type SaleStatus string

const (
	SaleActive    SaleStatus = "active"
	SaleCancelled SaleStatus = "cancelled"
)

// CartLine is one line of a cart. Price and cost are snapshots taken when
// the line was added. Exactly one of UnitIDs, VariantID or a bare quantity
// identifies what is being sold, matching Mode.
type CartLine struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Mode        TrackingMode    `json:"tracking_mode"`
	VariantID   string          `json:"variant_id,omitempty"`
	VariantName string          `json:"variant_name,omitempty"`
	UnitIDs     []string        `json:"unit_ids,omitempty"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
}

func (l CartLine) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

func (l CartLine) CostSubtotal() decimal.Decimal {
	return l.UnitCost.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

func (l CartLine) Clone() CartLine {
	dup := l
	if l.UnitIDs != nil {
		dup.UnitIDs = append([]string(nil), l.UnitIDs...)
	}
	return dup
}

type Cart struct {
	ID        string     `json:"id"`
	CompanyID string     `json:"company_id"`
	Lines     []CartLine `json:"lines"`
	CreatedBy string     `json:"created_by"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (c Cart) Clone() Cart {
	dup := c
	dup.Lines = make([]CartLine, len(c.Lines))
	for i, line := range c.Lines {
		dup.Lines[i] = line.Clone()
	}
	return dup
}

type Customer struct {
	ID                   string    `json:"id"`
	CompanyID            string    `json:"company_id"`
	Name                 string    `json:"name"`
	Email                string    `json:"email"`
	Phone                string    `json:"phone,omitempty"`
	Address              string    `json:"address,omitempty"`
	IdentificationType   string    `json:"identification_type,omitempty"`
	IdentificationNumber string    `json:"identification_number,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

type CustomerCandidate struct {
	Name                 string `json:"name"`
	Email                string `json:"email"`
	Phone                string `json:"phone"`
	Address              string `json:"address"`
	IdentificationType   string `json:"identification_type"`
	IdentificationNumber string `json:"identification_number"`
}

type CustomerResolution struct {
	Customer  Customer `json:"customer"`
	Created   bool     `json:"created"`
	MatchedBy string   `json:"matched_by,omitempty"`
}

type Sale struct {
	ID            string          `json:"id"`
	CompanyID     string          `json:"company_id"`
	InvoiceNumber string          `json:"invoice_number"`
	BranchID      string          `json:"branch_id"`
	CustomerID    string          `json:"customer_id"`
	Items         []CartLine      `json:"items"`
	Total         decimal.Decimal `json:"total"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	CreditDays    int             `json:"credit_days,omitempty"`
	CreditDueDate *time.Time      `json:"credit_due_date,omitempty"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	Status        SaleStatus      `json:"status"`
	CancelReason  string          `json:"cancel_reason,omitempty"`
	CancelledBy   string          `json:"cancelled_by,omitempty"`
	CancelledAt   *time.Time      `json:"cancelled_at,omitempty"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (s Sale) Outstanding() decimal.Decimal {
	balance := s.Total.Sub(s.AmountPaid)
	if balance.IsNegative() {
		return decimal.Zero
	}
	return balance
}

// Overdue reports whether a credit sale is past its due date with a
// balance left.
func (s Sale) Overdue(now time.Time) bool {
	if s.PaymentMethod != PaymentCredit || s.CreditDueDate == nil {
		return false
	}
	return now.After(*s.CreditDueDate) && s.AmountPaid.LessThan(s.Total)
}

func (s Sale) Clone() Sale {
	dup := s
	dup.Items = make([]CartLine, len(s.Items))
	for i, item := range s.Items {
		dup.Items[i] = item.Clone()
	}
	if s.CreditDueDate != nil {
		due := *s.CreditDueDate
		dup.CreditDueDate = &due
	}
	if s.CancelledAt != nil {
		at := *s.CancelledAt
		dup.CancelledAt = &at
	}
	return dup
}

// StockDelta is one type-appropriate change to a product's stock pool.
// Quantity is signed and applies to the product count or to VariantID.
// UnitIDs move to UnitStatus. NewUnits are appended as received stock.
type StockDelta struct {
	ProductID  string     `json:"product_id"`
	Quantity   int        `json:"quantity,omitempty"`
	VariantID  string     `json:"variant_id,omitempty"`
	UnitIDs    []string   `json:"unit_ids,omitempty"`
	UnitStatus UnitStatus `json:"unit_status,omitempty"`
	NewUnits   []Unit     `json:"new_units,omitempty"`
}

// SaleCommit is everything the ledger needs to persist a sale and consume
// its stock in one atomic step.
type SaleCommit struct {
	Sale          Sale
	Deltas        []StockDelta
	InvoicePrefix string
}

type Branch struct {
	ID        string   `json:"id"`
	CompanyID string   `json:"company_id"`
	Name      string   `json:"name"`
	Active    bool     `json:"active"`
	Advisors  []string `json:"advisors,omitempty"`
}

const (
	SaleFilterAll        = "all"
	PaymentFilterCash    = "cash"
	PaymentFilterCredit  = "credit"
	PaymentFilterOverdue = "overdue"
)

type SaleQuery struct {
	Status   string     `json:"status"`
	Payment  string     `json:"payment"`
	From     *time.Time `json:"from,omitempty"`
	To       *time.Time `json:"to,omitempty"`
	Page     int        `json:"page"`
	PageSize int        `json:"page_size"`
}

type SelectionOption struct {
	ID           string `json:"id"`
	Label        string `json:"label"`
	IMEI         string `json:"imei,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	SKU          string `json:"sku,omitempty"`
	Stock        int    `json:"stock,omitempty"`
	Selectable   bool   `json:"selectable"`
}

type StockWarning struct {
	ProductID string `json:"product_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username  string
	Role      string
	CompanyID string
}

type UserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// User is the public view of an account; the password hash never leaves
// the auth layer.
type User struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	CompanyID string    `json:"company_id"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	CompanyID string
	Active    bool
	CreatedAt time.Time
}

type ProductCreateRequest struct {
	Name         string          `json:"name"`
	Category     string          `json:"category"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	TrackingMode TrackingMode    `json:"tracking_mode"`
	Quantity     *int            `json:"quantity,omitempty"`
	Units        []UnitInput     `json:"units,omitempty"`
	Variants     []VariantInput  `json:"variants,omitempty"`
}

type UnitInput struct {
	IMEI         string `json:"imei"`
	SerialNumber string `json:"serial_number"`
}

type VariantInput struct {
	Name  string `json:"name"`
	SKU   string `json:"sku"`
	Stock int    `json:"stock"`
}

type StockReceiveRequest struct {
	Quantity  int         `json:"quantity"`
	VariantID string      `json:"variant_id"`
	Units     []UnitInput `json:"units"`
}

type CartLineRequest struct {
	ProductID string   `json:"product_id"`
	Quantity  int      `json:"quantity"`
	VariantID string   `json:"variant_id"`
	UnitIDs   []string `json:"unit_ids"`
}

type CartResponse struct {
	Cart      Cart            `json:"cart"`
	Total     decimal.Decimal `json:"total"`
	TotalCost decimal.Decimal `json:"total_cost"`
	Warning   *StockWarning   `json:"warning,omitempty"`
}

type FinalizeRequest struct {
	CustomerID    string             `json:"customer_id"`
	Customer      *CustomerCandidate `json:"customer,omitempty"`
	BranchID      string             `json:"branch_id"`
	PaymentMethod PaymentMethod      `json:"payment_method"`
	CreditDays    int                `json:"credit_days"`
}

type CancelSaleRequest struct {
	Reason     string `json:"reason"`
	ManagerPIN string `json:"manager_pin"`
}

type PaymentRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type SaleListResponse struct {
	Sales    []Sale `json:"sales"`
	Total    int    `json:"total"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	CompanyID     string    `json:"company_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}
