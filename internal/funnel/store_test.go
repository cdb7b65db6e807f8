package funnel

import (
	"sync"
	"testing"
	"time"

	"github.com/marlonbarreto-git/nimbus-funnel/internal/catalog"
	"github.com/marlonbarreto-git/nimbus-funnel/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recordingNotifier) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recordingNotifier) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, 0, len(r.notes))
	for _, n := range r.notes {
		out = append(out, n.Kind)
	}
	return out
}

func fixedClock() func() time.Time {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return ts }
}

func TestNewStore_StartsOnLanding(t *testing.T) {
	s := NewStore("sess-1", nil)
	snap := s.Snapshot()

	assert.Equal(t, "sess-1", snap.SessionID)
	assert.Equal(t, model.StepLanding, snap.Step)
	assert.False(t, snap.OrderBumpSelected)
	assert.Equal(t, model.Purchase{Offer: model.OfferNone}, snap.Purchase)
}

func TestStore_CheckoutWithBump(t *testing.T) {
	s := NewStore("sess-1", nil)

	require.NoError(t, s.StartCheckout())
	require.NoError(t, s.SetOrderBump(true))
	require.NoError(t, s.CompleteCheckout())

	snap := s.Snapshot()
	assert.Equal(t, model.StepThankYou, snap.Step)
	assert.True(t, snap.Purchase.Tripwire)
	assert.True(t, snap.Purchase.Bump)
	assert.False(t, snap.Purchase.Upsell())
	assert.False(t, snap.Purchase.Downsell())
}

func TestStore_CheckoutWithoutBump(t *testing.T) {
	s := NewStore("sess-1", nil)

	require.NoError(t, s.StartCheckout())
	require.NoError(t, s.SetOrderBump(true))
	require.NoError(t, s.SetOrderBump(false))
	require.NoError(t, s.CompleteCheckout())

	p := s.Snapshot().Purchase
	assert.True(t, p.Tripwire)
	assert.False(t, p.Bump)
}

func TestStore_CompletePaidCheckoutRecordsChargedBump(t *testing.T) {
	tests := []struct {
		name     string
		selected bool
		charged  bool
	}{
		{"bump added after charge", true, false},
		{"bump removed after charge", false, true},
		{"selection matches charge", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore("sess-1", nil)
			require.NoError(t, s.StartCheckout())
			require.NoError(t, s.SetOrderBump(tt.selected))

			require.NoError(t, s.CompletePaidCheckout(tt.charged))

			snap := s.Snapshot()
			assert.Equal(t, tt.charged, snap.Purchase.Bump)
			assert.Equal(t, tt.charged, snap.OrderBumpSelected)
			assert.ErrorIs(t, s.CompletePaidCheckout(tt.charged), ErrInvalidTransition)
		})
	}
}

func TestStore_StartCheckoutResetsBump(t *testing.T) {
	s := NewStore("sess-1", nil)

	// a bump chosen on the landing page does not survive into checkout
	require.NoError(t, s.SetOrderBump(true))
	require.NoError(t, s.StartCheckout())

	assert.False(t, s.Snapshot().OrderBumpSelected)
}

func TestStore_InvalidTransitions(t *testing.T) {
	tests := []struct {
		name  string
		setup func(s *Store)
		op    func(s *Store) error
	}{
		{"complete from landing", func(*Store) {}, (*Store).CompleteCheckout},
		{"upsell from landing", func(*Store) {}, (*Store).AcceptUpsell},
		{"downsell from landing", func(*Store) {}, (*Store).AcceptDownsell},
		{"upsell from checkout", func(s *Store) { _ = s.StartCheckout() }, (*Store).AcceptUpsell},
		{"start twice", func(s *Store) { _ = s.StartCheckout() }, (*Store).StartCheckout},
		{
			"complete twice",
			func(s *Store) { _ = s.StartCheckout(); _ = s.CompleteCheckout() },
			(*Store).CompleteCheckout,
		},
		{
			"bump after completion",
			func(s *Store) { _ = s.StartCheckout(); _ = s.CompleteCheckout() },
			func(s *Store) error { return s.SetOrderBump(true) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore("sess-1", nil)
			tt.setup(s)
			before := s.Snapshot()

			err := tt.op(s)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidTransition)
			assert.Contains(t, err.Error(), "sess-1")

			after := s.Snapshot()
			assert.Equal(t, before.Step, after.Step)
			assert.Equal(t, before.Purchase, after.Purchase)
			assert.Equal(t, before.OrderBumpSelected, after.OrderBumpSelected)
		})
	}
}

func TestStore_Offers(t *testing.T) {
	tests := []struct {
		name    string
		ops     []func(s *Store) error
		want    model.Offer
		wantErr error
	}{
		{"upsell", []func(*Store) error{(*Store).AcceptUpsell}, model.OfferUpsell, nil},
		{"downsell", []func(*Store) error{(*Store).AcceptDownsell}, model.OfferDownsell, nil},
		{
			"upsell replaces downsell",
			[]func(*Store) error{(*Store).AcceptDownsell, (*Store).AcceptUpsell},
			model.OfferUpsell, nil,
		},
		{
			"downsell after upsell rejected",
			[]func(*Store) error{(*Store).AcceptUpsell, (*Store).AcceptDownsell},
			model.OfferUpsell, ErrOfferConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore("sess-1", nil)
			require.NoError(t, s.StartCheckout())
			require.NoError(t, s.CompleteCheckout())

			var err error
			for _, op := range tt.ops {
				err = op(s)
			}
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}

			p := s.Snapshot().Purchase
			assert.Equal(t, tt.want, p.Offer)
			assert.True(t, p.Tripwire)
		})
	}
}

func TestStore_EmitsNotifications(t *testing.T) {
	rec := &recordingNotifier{}
	s := newStoreWithClock("sess-1", rec, fixedClock())

	require.NoError(t, s.StartCheckout())
	require.NoError(t, s.SetOrderBump(true))
	require.NoError(t, s.CompleteCheckout())
	require.NoError(t, s.AcceptUpsell())
	_ = s.AcceptDownsell()

	assert.Equal(t, []EventKind{
		EventCheckoutStarted,
		EventBumpSelected,
		EventCheckoutCompleted,
		EventUpsellAccepted,
	}, rec.kinds(), "failed transitions do not notify")
}

func TestStore_PurchasedItemsAndTotals(t *testing.T) {
	c := catalog.MustDefault()

	tests := []struct {
		name      string
		bump      bool
		offer     func(s *Store) error
		labels    []string
		wantPrice int64
		wantValue int64
	}{
		{"tripwire only", false, nil, []string{"Sales Funnel Accelerator"}, 9700, 99700},
		{
			"with bump", true, nil,
			[]string{"Sales Funnel Accelerator", "Bonus Templates Pack"},
			14400, 129400,
		},
		{
			"bump and upsell", true, (*Store).AcceptUpsell,
			[]string{"Sales Funnel Accelerator", "Bonus Templates Pack", "Done-For-You"},
			1014100, 1629100,
		},
		{
			"downsell", false, (*Store).AcceptDownsell,
			[]string{"Sales Funnel Accelerator", "Done-With-You"},
			109400, 499400,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore("sess-1", nil)
			require.NoError(t, s.StartCheckout())
			require.NoError(t, s.SetOrderBump(tt.bump))
			require.NoError(t, s.CompleteCheckout())
			if tt.offer != nil {
				require.NoError(t, tt.offer(s))
			}

			items := s.PurchasedItems(c)
			labels := make([]string, 0, len(items))
			for _, it := range items {
				labels = append(labels, it.Label)
			}
			assert.Equal(t, tt.labels, labels)

			price, value := Totals(items)
			assert.Equal(t, tt.wantPrice, price)
			assert.Equal(t, tt.wantValue, value)
		})
	}
}

func TestStore_PurchasedItemsBeforeCheckout(t *testing.T) {
	s := NewStore("sess-1", nil)
	assert.Empty(t, s.PurchasedItems(catalog.MustDefault()))
}

func TestStore_ConcurrentBumpToggles(t *testing.T) {
	s := NewStore("sess-1", nil)
	require.NoError(t, s.StartCheckout())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.SetOrderBump(i%2 == 0)
		}(i)
	}
	wg.Wait()

	require.NoError(t, s.CompleteCheckout())
	assert.Equal(t, model.StepThankYou, s.Snapshot().Step)
}

func TestLogNotifier_CloseIsIdempotent(t *testing.T) {
	n := NewLogNotifier(nil, 1)
	n.Notify(Notification{SessionID: "s", Kind: EventCheckoutStarted})
	n.Close()
	n.Close()

	// after close, notifications are discarded rather than panicking
	assert.NotPanics(t, func() {
		n.Notify(Notification{SessionID: "s", Kind: EventCheckoutStarted})
	})
}
