package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/KevinKickass/RegisterMapper/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetCounter().GetValue()
}

func TestObserve(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Observe("dev", "read", time.Now(), nil)
	m.Observe("dev", "read", time.Now(), types.NewError(types.KindTimeout, "slow"))
	m.Observe("dev", "write", time.Now(), errors.New("boom"))

	if got := counterValue(t, m.Operations.WithLabelValues("dev", "read")); got != 2 {
		t.Errorf("read operations = %v", got)
	}
	if got := counterValue(t, m.Errors.WithLabelValues("dev", "read", "timeout_error")); got != 1 {
		t.Errorf("timeout errors = %v", got)
	}
	if got := counterValue(t, m.Errors.WithLabelValues("dev", "write", "internal")); got != 1 {
		t.Errorf("internal errors = %v", got)
	}
}

func TestNewRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected duplicate registration to panic")
		}
	}()
	New(reg)
}
