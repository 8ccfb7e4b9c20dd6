package carrier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/storefront-orderflow/internal/apperr"
	"github.com/imrishuroy/storefront-orderflow/internal/lifecycle"
	"github.com/imrishuroy/storefront-orderflow/internal/orders"
)

const testSecret = "whsec_test"

type memDedupe struct {
	mu       sync.Mutex
	done     map[string]string
	failed   map[string]string
	claimErr error
}

func newMemDedupe() *memDedupe {
	return &memDedupe{done: map[string]string{}, failed: map[string]string{}}
}

func (d *memDedupe) Claim(ctx context.Context, key, source string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.claimErr != nil {
		return false, d.claimErr
	}
	_, seen := d.done[key]
	return !seen, nil
}

func (d *memDedupe) MarkDone(ctx context.Context, key, orderID, outcome string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.done[key] = outcome
	return nil
}

func (d *memDedupe) MarkFailed(ctx context.Context, key, note string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failed[key] = note
	return nil
}

func newTestIngress(t *testing.T, seed ...orders.Order) (*Ingress, *orders.MemoryStore, *memDedupe) {
	t.Helper()
	store := orders.NewMemoryStore()
	for _, o := range seed {
		store.Put(o)
	}
	clock := func() time.Time { return time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC) }
	dd := newMemDedupe()
	in := NewIngress(IngressConfig{
		Verifier: NewVerifier(testSecret),
		Machine:  lifecycle.NewMachine(store, lifecycle.WithClock(clock)),
		Dedupe:   dd,
		Carrier:  "shiprocket",
	})
	return in, store, dd
}

func paidOrder(id string, status orders.Status) orders.Order {
	return orders.Order{
		OrderID:         id,
		CustomerID:      "cust-1",
		Status:          status,
		PaymentStatus:   orders.PaymentPaid,
		TotalPaidAmount: 50000,
	}
}

func deliver(t *testing.T, in *Ingress, body string) (Outcome, error) {
	t.Helper()
	b := []byte(body)
	return in.Handle(context.Background(), b, NewVerifier(testSecret).Sign(b), "")
}

func TestIngress_ProgressesOrderThroughDelivery(t *testing.T) {
	in, store, _ := newTestIngress(t, paidOrder("O1", orders.StatusProcessing))
	ctx := context.Background()

	out, err := deliver(t, in, `{"order_id":"O1","status":"out_for_delivery","awb":"AWB1"}`)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)

	o, err := store.Get(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusShipped, o.Status)
	assert.NotEmpty(t, o.Metadata[orders.MetaStatusUpdatedAt])
	assert.Equal(t, "AWB1", o.Metadata[orders.MetaTrackingNumber])
	assert.Equal(t, "carrier:shiprocket", o.Metadata[orders.MetaStatusSource])

	out, err = deliver(t, in, `{"order_id":"O1","status":"delivered"}`)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)

	o, err = store.Get(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusDelivered, o.Status)
	assert.Equal(t, "AWB1", o.Metadata[orders.MetaTrackingNumber], "earlier tracking survives")
	assert.Equal(t, orders.PaymentPaid, o.PaymentStatus)
}

func TestIngress_BadSignatureTouchesNothing(t *testing.T) {
	in, store, dd := newTestIngress(t, paidOrder("O1", orders.StatusProcessing))
	body := []byte(`{"order_id":"O1","status":"delivered"}`)

	_, err := in.Handle(context.Background(), body, NewVerifier("wrong").Sign(body), "")
	require.ErrorIs(t, err, apperr.ErrAuth)

	_, err = in.Handle(context.Background(), body, "", "")
	require.ErrorIs(t, err, apperr.ErrAuth)

	assert.Zero(t, store.Writes())
	assert.Empty(t, dd.done)
	assert.Empty(t, dd.failed)
}

func TestIngress_MalformedBodyIsValidationError(t *testing.T) {
	in, store, dd := newTestIngress(t)
	_, err := deliver(t, in, `{"order_id":`)
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Zero(t, store.Writes())
	assert.Len(t, dd.failed, 1)
}

func TestIngress_NoOps(t *testing.T) {
	in, store, _ := newTestIngress(t, paidOrder("O1", orders.StatusProcessing))

	out, err := deliver(t, in, `{"status":"shipped"}`)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, out)

	out, err = deliver(t, in, `{"order_id":"O1"}`)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, out)

	assert.Zero(t, store.Writes())
}

func TestIngress_TrackingOnly(t *testing.T) {
	in, store, _ := newTestIngress(t, paidOrder("O1", orders.StatusProcessing))

	out, err := deliver(t, in, `{"order_id":"O1","tracking_number":"T77","tracking_url":"https://t.example/T77"}`)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTrackingOnly, out)

	o, _ := store.Get(context.Background(), "O1")
	assert.Equal(t, orders.StatusProcessing, o.Status)
	assert.Equal(t, "T77", o.Metadata[orders.MetaTrackingNumber])
	assert.Equal(t, "https://t.example/T77", o.Metadata[orders.MetaTrackingURL])
}

func TestIngress_UnknownOrder(t *testing.T) {
	in, _, _ := newTestIngress(t)
	_, err := deliver(t, in, `{"order_id":"ghost","status":"shipped"}`)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestIngress_RefusedTransitionKeepsTracking(t *testing.T) {
	in, store, _ := newTestIngress(t, paidOrder("O1", orders.StatusDelivered))

	out, err := deliver(t, in, `{"order_id":"O1","current_status":"In Transit","awb":"LATE1"}`)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRefused, out)

	o, _ := store.Get(context.Background(), "O1")
	assert.Equal(t, orders.StatusDelivered, o.Status)
	assert.Equal(t, "LATE1", o.Metadata[orders.MetaTrackingNumber])
	assert.Equal(t, "In Transit", o.Metadata[orders.MetaCarrierStatus])
}

func TestIngress_DuplicateDelivery(t *testing.T) {
	in, store, _ := newTestIngress(t, paidOrder("O1", orders.StatusProcessing))
	body := []byte(`{"order_id":"O1","status":"shipped"}`)
	sig := NewVerifier(testSecret).Sign(body)

	out, err := in.Handle(context.Background(), body, sig, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)
	writes := store.Writes()

	out, err = in.Handle(context.Background(), body, sig, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, out)
	assert.Equal(t, writes, store.Writes())

	// same body without an event id is keyed by content
	out, err = in.Handle(context.Background(), body, sig, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)
	out, err = in.Handle(context.Background(), body, sig, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, out)
}

func TestIngress_DedupeOutageStillApplies(t *testing.T) {
	in, store, dd := newTestIngress(t, paidOrder("O1", orders.StatusProcessing))
	dd.claimErr = errors.New("table unavailable")

	out, err := deliver(t, in, `{"order_id":"O1","status":"shipped"}`)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)

	o, _ := store.Get(context.Background(), "O1")
	assert.Equal(t, orders.StatusShipped, o.Status)
}
