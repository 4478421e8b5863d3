package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentbond/internal/domain"
)

func counterValue(t *testing.T, r *Recorder, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := r.Gatherer().Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
	next:
		for _, m := range fam.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue next
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestObserveLabelsByKind(t *testing.T) {
	r := New()
	r.Observe("approve", time.Now(), nil)
	r.Observe("approve", time.Now(), fmt.Errorf("wrap: %w", domain.ErrNotClient))
	r.Observe("approve", time.Now(), errors.New("disk on fire"))
	r.Delivery(false)

	for outcome, want := range map[string]float64{"ok": 1, "unauthorized": 1, "internal": 1, "not_found": 0} {
		got := counterValue(t, r, "agentbond_operations_total", map[string]string{"op": "approve", "outcome": outcome})
		require.Equal(t, want, got, outcome)
	}
	require.Equal(t, 1.0, counterValue(t, r, "agentbond_webhook_deliveries_total", map[string]string{"result": "failed"}))
}

func TestOutcome(t *testing.T) {
	require.Equal(t, "ok", Outcome(nil))
	require.Equal(t, "insufficient_funds", Outcome(domain.ErrInsufficientFunds))
	require.Equal(t, "cancelled", Outcome(fmt.Errorf("query: %w", context.Canceled)))
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.Observe("x", time.Now(), nil)
	r.Delivery(true)
	require.NotNil(t, r.Handler())
}
