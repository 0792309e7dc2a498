// Package registry owns checkout orders: it creates them from a vendor menu, cancels them into the archive and
// applies deposit credits until they are paid.
//
// Every mutation of an order runs under a per order id lock on top of the atomic primitives of store.DB, so a credit
// racing a cancel never loses an update and an order becomes Paid or Cancelled exactly once.
package registry

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/tarancss/depositgw/lib/chain/types"
	"github.com/tarancss/depositgw/lib/metrics"
	"github.com/tarancss/depositgw/lib/pricing"
	"github.com/tarancss/depositgw/lib/store"
	"github.com/tarancss/depositgw/lib/trace"
	"github.com/tarancss/depositgw/lib/util"
)

// Error codes.
var (
	ErrUnknownItem       = errors.New("item is not in the vendor menu")
	ErrMixedDenomination = errors.New("items are priced in different denominations")
	ErrNoChains          = errors.New("vendor accepts no chains")
	ErrAlreadyPaid       = errors.New("order is already paid")
	ErrAlreadyTerminal   = errors.New("order is already paid or cancelled")
	ErrChainNotAccepted  = errors.New("chain is not accepted by the order")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrIDSpaceExhausted  = errors.New("could not generate a unique order id")
)

const (
	idTries   = 8
	urlIDLen  = 14
	lockSlots = 256
)

// CreateRequest asks for a new order.
type CreateRequest struct {
	VendorID        string   `json:"vendorId" validate:"required"`
	ItemIDs         []string `json:"itemIds" validate:"required,min=1,dive,required"`
	SuccessCallback string   `json:"successCallback" validate:"omitempty,url"`
	FailureCallback string   `json:"failureCallback" validate:"omitempty,url"`
}

// Credit is a deposit to be applied to an order: the increase of a balance from From to To, in smallest units. ID
// names the balance revision the increase starts from. Credits sharing an ID cover nested ranges, so only the part
// of To above what the ID already covered is applied.
type Credit struct {
	ID    string
	Chain types.ChainID
	Token string
	From  *big.Int
	To    *big.Int
}

// Amount returns To - From, nil bounds reading as zero.
func (c Credit) Amount() *big.Int {
	a := new(big.Int)
	if c.To != nil {
		a.Set(c.To)
	}
	if c.From != nil {
		a.Sub(a, c.From)
	}
	return a
}

// Notifier is told about terminal transitions. Each method is called once per order.
type Notifier interface {
	OrderPaid(ctx context.Context, o store.Order)
	OrderCancelled(ctx context.Context, o store.Order)
}

// NopNotifier ignores notifications.
type NopNotifier struct{}

// OrderPaid implements Notifier.
func (NopNotifier) OrderPaid(context.Context, store.Order) {}

// OrderCancelled implements Notifier.
func (NopNotifier) OrderCancelled(context.Context, store.Order) {}

// Deriver derives the deposit addresses of a chain: address number index of an HD wallet account.
type Deriver interface {
	DeriveAddress(account, index uint32) (types.Keypair, error)
}

// Registry implements the order operations.
type Registry struct {
	db       store.DB
	policy   *pricing.Policy
	derivers map[types.ChainID]Deriver
	notify   Notifier
	checkout string
	log      *zap.Logger
	locks    *util.KeyedMutex
	validate *validator.Validate
	newID    func() string
	now      func() time.Time
}

// New returns a registry. checkout is the base of the order URLs; a nil notifier is replaced by NopNotifier.
func New(db store.DB, policy *pricing.Policy, n Notifier, checkout string, log *zap.Logger) *Registry {
	if n == nil {
		n = NopNotifier{}
	}
	return &Registry{
		db:       db,
		policy:   policy,
		notify:   n,
		checkout: checkout,
		log:      log,
		locks:    util.NewKeyedMutex(lockSlots),
		validate: validator.New(),
		newID:    newID,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithDerivers sets the chains vendor deposit addresses can be derived on.
func (r *Registry) WithDerivers(d map[types.ChainID]Deriver) *Registry {
	r.derivers = d
	return r
}

// newID returns 32 hex characters from a random uuid.
func newID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// Create builds an order from the vendor's menu. Items keep the requested order and duplicates count twice.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (o store.Order, err error) {
	ctx, span := trace.StartSpan(ctx, "registry.create")
	defer span.End()

	if err = r.validate.Struct(req); err != nil {
		return o, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	v, err := r.db.GetVendor(ctx, req.VendorID)
	if err != nil {
		return o, fmt.Errorf("vendor %s: %w", req.VendorID, err)
	}
	if len(v.AcceptedChains) == 0 {
		return o, fmt.Errorf("vendor %s: %w", req.VendorID, ErrNoChains)
	}

	items := make([]store.LineItem, 0, len(req.ItemIDs))
	prices := make([]string, 0, len(req.ItemIDs))
	for _, id := range req.ItemIDs {
		it, err := r.db.GetItem(ctx, req.VendorID, id)
		if errors.Is(err, store.ErrNotFound) {
			return o, fmt.Errorf("%w: %s", ErrUnknownItem, id)
		} else if err != nil {
			return o, err
		}
		if len(items) > 0 && it.Denomination != items[0].Denomination {
			return o, fmt.Errorf("%w: %s and %s", ErrMixedDenomination, items[0].Denomination, it.Denomination)
		}
		items = append(items, store.LineItem{
			ItemID:       it.ItemID,
			Name:         it.Name,
			Description:  it.Description,
			Price:        it.Price,
			Denomination: it.Denomination,
		})
		prices = append(prices, it.Price)
	}
	total, err := pricing.Sum(prices...)
	if err != nil {
		return o, err
	}
	if denom := items[0].Denomination; !r.policy.Prices(denom, v.AcceptedChains) {
		return o, fmt.Errorf("vendor %s: %w: %s", req.VendorID, pricing.ErrNoRate, denom)
	}

	now := r.now()
	o = store.Order{
		VendorID:        v.ID,
		Chains:          append([]types.ChainID(nil), v.AcceptedChains...),
		Items:           items,
		Denomination:    items[0].Denomination,
		Total:           total.String(),
		SuccessCallback: req.SuccessCallback,
		FailureCallback: req.FailureCallback,
		Status:          store.StatusUnpaid,
		Credits:         map[string]string{},
		Credited:        "0",
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for i := 0; i < idTries; i++ {
		o.ID = r.newID()
		o.URL = r.checkout + o.ID[:urlIDLen]
		err = r.db.InsertOrder(ctx, o)
		if !errors.Is(err, store.ErrDuplicateID) {
			break
		}
		r.log.Warn("order id collision, retrying", zap.String("order", o.ID))
	}
	if errors.Is(err, store.ErrDuplicateID) {
		return store.Order{}, ErrIDSpaceExhausted
	} else if err != nil {
		return store.Order{}, err
	}

	span.SetAttributes(attribute.String("order", o.ID))
	metrics.OrdersCreatedTotal.Inc()
	r.log.Info("order created", zap.String("order", o.ID), zap.String("vendor", o.VendorID), zap.String("total", o.Total))
	return o, nil
}

// Get returns an active order, or an archived one when it was cancelled.
func (r *Registry) Get(ctx context.Context, id string) (store.Order, error) {
	o, err := r.db.GetOrder(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return r.db.GetArchivedOrder(ctx, id)
	}
	return o, err
}

// Cancel moves an unpaid order to the archive. A second cancel finds nothing to cancel.
func (r *Registry) Cancel(ctx context.Context, id string) error {
	ctx, span := trace.StartSpan(ctx, "registry.cancel")
	defer span.End()
	span.SetAttributes(attribute.String("order", id))

	defer r.locks.Lock(id)()

	o, err := r.db.GetOrder(ctx, id)
	if err != nil {
		return fmt.Errorf("order %s: %w", id, err)
	}
	if o.Status == store.StatusPaid {
		return fmt.Errorf("order %s: %w", id, ErrAlreadyPaid)
	}
	archived, err := r.db.ArchiveOrder(ctx, id)
	if errors.Is(err, store.ErrConflict) {
		// paid by another process between the read and the swap
		if cur, gerr := r.db.GetOrder(ctx, id); gerr == nil && cur.Status == store.StatusPaid {
			return fmt.Errorf("order %s: %w", id, ErrAlreadyPaid)
		}
		return fmt.Errorf("order %s: %w", id, err)
	} else if err != nil {
		return fmt.Errorf("order %s: %w", id, err)
	}

	metrics.OrdersCancelledTotal.Inc()
	r.log.Info("order cancelled", zap.String("order", id))
	r.notify.OrderCancelled(ctx, archived)
	return nil
}

// ApplyCredit adds the uncovered part of c to the order and marks it Paid once the credited price covers the
// total. A credit whose range is already covered, or that covers nothing, leaves the order as it is.
func (r *Registry) ApplyCredit(ctx context.Context, orderID string, c Credit) (store.Order, error) {
	ctx, span := trace.StartSpan(ctx, "registry.credit")
	defer span.End()
	span.SetAttributes(attribute.String("order", orderID), attribute.String("credit", c.ID))

	defer r.locks.Lock(orderID)()

	o, err := r.db.GetOrder(ctx, orderID)
	if err != nil {
		return o, fmt.Errorf("order %s: %w", orderID, err)
	}
	if o.Status != store.StatusUnpaid {
		return o, fmt.Errorf("order %s: %w", orderID, ErrAlreadyTerminal)
	}
	if !o.Accepts(c.Chain) {
		return o, fmt.Errorf("order %s: %w: %s", orderID, ErrChainNotAccepted, c.Chain)
	}

	from := new(big.Int)
	if c.From != nil {
		from.Set(c.From)
	}
	if seen, ok := o.Credits[c.ID]; ok {
		covered, ok := new(big.Int).SetString(seen, 10)
		if !ok {
			return o, fmt.Errorf("order %s: malformed credit %s=%q", orderID, c.ID, seen)
		}
		if covered.Cmp(from) > 0 {
			from = covered
		}
	}
	amount := new(big.Int)
	if c.To != nil {
		amount.Sub(c.To, from)
	}
	if amount.Sign() <= 0 {
		r.log.Debug("credit already covered", zap.String("order", orderID), zap.String("credit", c.ID))
		return o, nil
	}

	value, err := r.policy.ToPrice(o.Denomination, c.Chain, c.Token, amount)
	if err != nil {
		return o, err
	}
	credited, err := pricing.Parse(o.Credited)
	if err != nil {
		return o, err
	}
	total, err := pricing.Parse(o.Total)
	if err != nil {
		return o, err
	}
	credited = credited.Add(value)

	if o.Credits == nil {
		o.Credits = map[string]string{}
	}
	o.Credits[c.ID] = c.To.String()
	o.Credited = credited.String()
	o.UpdatedAt = r.now()
	paid := credited.GreaterThanOrEqual(total)
	if paid {
		o.Status = store.StatusPaid
	}
	if err = r.db.UpdateOrder(ctx, o, store.StatusUnpaid); err != nil {
		return o, fmt.Errorf("order %s: %w", orderID, err)
	}

	metrics.CreditsApplied.WithLabelValues(string(c.Chain)).Inc()
	r.log.Info("credit applied", zap.String("order", orderID), zap.String("credit", c.ID),
		zap.String("chain", string(c.Chain)), zap.String("amount", amount.String()),
		zap.String("value", value.String()), zap.String("credited", o.Credited), zap.String("total", o.Total))
	if paid {
		metrics.OrdersPaidTotal.Inc()
		r.log.Info("order paid", zap.String("order", orderID))
		r.notify.OrderPaid(ctx, o)
	}
	return o, nil
}

// Outstanding returns the price still owed on an order, zero when it is covered.
func Outstanding(o store.Order) (decimal.Decimal, error) {
	total, err := pricing.Parse(o.Total)
	if err != nil {
		return decimal.Zero, err
	}
	credited, err := pricing.Parse(o.Credited)
	if err != nil {
		return decimal.Zero, err
	}
	if d := total.Sub(credited); d.IsPositive() {
		return d, nil
	}
	return decimal.Zero, nil
}
