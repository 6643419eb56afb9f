package ledger

import (
	"crypto/subtle"
	"fmt"
	"strings"
	"time"
)

// UnknownBalance is returned in place of a balance when the account does not exist.
// It is out-of-band: callers must test for it with IsKnown before doing arithmetic.
const UnknownBalance int64 = -1

// Privileged pseudo-accounts. They are exempt from the balance cap.
const (
	SystemAccount = "SYSTEM"
	BankerAccount = "BANKER"
)

// IsKnown reports whether b is a real balance rather than the unknown-account sentinel.
func IsKnown(b int64) bool {
	return b != UnknownBalance
}

// IsPrivileged reports whether id names one of the privileged pseudo-accounts.
func IsPrivileged(id string) bool {
	return id == SystemAccount || id == BankerAccount
}

// Status is the lifecycle state of a transaction.
// PENDING is the only non-terminal state; every other state is final.
type Status int

const (
	StatusSuccess Status = 0
	StatusPending Status = 1
	StatusFailed  Status = 2
	StatusError   Status = 9
)

// String returns the status name used in logs and metrics.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusPending:
		return "pending"
	case StatusFailed:
		return "failed"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// IsTerminal reports whether no further transition is allowed out of s.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusError
}

// CanTransition reports whether a transaction in state s may move to next.
func (s Status) CanTransition(next Status) bool {
	return s == StatusPending && next.IsTerminal()
}

// TransactionType is the business reason recorded with a transaction.
// Codes not listed here are stored verbatim.
type TransactionType int

const (
	TypeSystem          TransactionType = 0
	TypeBirthGift       TransactionType = 900
	TypeAwardPoints     TransactionType = 901
	TypeObjectGiveMoney TransactionType = 902
	TypePayCharge       TransactionType = 1000
	TypeGroupCreate     TransactionType = 1002
	TypeGroupJoin       TransactionType = 1004
	TypeUploadCharge    TransactionType = 1101
	TypeLandAuction     TransactionType = 1102
	TypeObjectSale      TransactionType = 5000
	TypeGift            TransactionType = 5001
	TypeLandSale        TransactionType = 5002
	TypeReferBonus      TransactionType = 5003
	TypeInventorySale   TransactionType = 5004
	TypeRefundPurchase  TransactionType = 5005
	TypeLandPassSale    TransactionType = 5006
	TypeDwellBonus      TransactionType = 5007
	TypePayObject       TransactionType = 5008
	TypeObjectPays      TransactionType = 5009
	TypeBuyMoney        TransactionType = 5010
	TypeMoveMoney       TransactionType = 5011
	TypeSendMoney       TransactionType = 5012
)

var typeNames = map[TransactionType]string{
	TypeSystem:          "system",
	TypeBirthGift:       "birth_gift",
	TypeAwardPoints:     "award_points",
	TypeObjectGiveMoney: "object_give_money",
	TypePayCharge:       "pay_charge",
	TypeGroupCreate:     "group_create",
	TypeGroupJoin:       "group_join",
	TypeUploadCharge:    "upload_charge",
	TypeLandAuction:     "land_auction",
	TypeObjectSale:      "object_sale",
	TypeGift:            "gift",
	TypeLandSale:        "land_sale",
	TypeReferBonus:      "refer_bonus",
	TypeInventorySale:   "inventory_sale",
	TypeRefundPurchase:  "refund_purchase",
	TypeLandPassSale:    "land_pass_sale",
	TypeDwellBonus:      "dwell_bonus",
	TypePayObject:       "pay_object",
	TypeObjectPays:      "object_pays",
	TypeBuyMoney:        "buy_money",
	TypeMoveMoney:       "move_money",
	TypeSendMoney:       "send_money",
}

func (t TransactionType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// Transaction is a recorded intent to move currency.
// It is created once in StatusPending and afterwards only its Status and
// Description change. Records are never deleted.
type Transaction struct {
	ID          string          `json:"id"`
	Sender      string          `json:"sender"`
	Receiver    string          `json:"receiver"`
	Amount      int64           `json:"amount"`
	Type        TransactionType `json:"type"`
	Time        int64           `json:"time"` // unix seconds
	Status      Status          `json:"status"`
	SecureCode  string          `json:"-"`
	Description string          `json:"description"`

	// Optional in-world context.
	ObjectID     string `json:"object_id,omitempty"`
	ObjectName   string `json:"object_name,omitempty"`
	RegionHandle string `json:"region_handle,omitempty"`
	RegionID     string `json:"region_id,omitempty"`
	CommonName   string `json:"common_name,omitempty"`
}

// CheckSecureCode returns ErrSecureCodeMismatch unless code equals the
// transaction's secure code. Empty codes never match. The comparison is
// constant time.
func (t *Transaction) CheckSecureCode(code string) error {
	if code == "" || t.SecureCode == "" ||
		subtle.ConstantTimeCompare([]byte(t.SecureCode), []byte(code)) != 1 {
		return ErrSecureCodeMismatch
	}
	return nil
}

// Validate checks the fields every stored transaction must carry.
func (t *Transaction) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: nil transaction", ErrInvalidTransaction)
	}
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidTransaction)
	}
	if strings.TrimSpace(t.Sender) == "" || strings.TrimSpace(t.Receiver) == "" {
		return fmt.Errorf("%w: sender and receiver are required", ErrInvalidTransaction)
	}
	if t.Amount < 0 {
		return fmt.Errorf("%w: negative amount %d", ErrInvalidTransaction, t.Amount)
	}
	return nil
}

// Account is a balances row.
type Account struct {
	User    string `json:"user"`
	Balance int64  `json:"balance"`
	Status  int    `json:"status"`
	Type    int    `json:"type"`
}

// SaleRecord aggregates successful sales per receiver and object.
type SaleRecord struct {
	Receiver string          `json:"receiver"`
	ObjectID string          `json:"object_id"`
	Type     TransactionType `json:"type"`
	Count    int64           `json:"count"`
	Total    int64           `json:"total"`
	LastTime int64           `json:"last_time"`
}

// HistoryQuery selects a page of transactions in which User took part.
// From and To are inclusive unix-second bounds; zero To means "no upper bound".
type HistoryQuery struct {
	User   string
	From   int64
	To     int64
	Offset int
	Limit  int
}

// Clock supplies the current time. Operations take it explicitly so tests can pin it.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock always returns the same instant.
type FixedClock time.Time

// Now returns the fixed instant.
func (c FixedClock) Now() time.Time { return time.Time(c) }

// Unix returns the clock's current time in unix seconds.
func Unix(c Clock) int64 {
	return c.Now().Unix()
}
