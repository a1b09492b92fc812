package timeline_test

import (
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/strata-project/strata/pkg/metrics"
)

func testutilCount(reg *metrics.Registry, name string) (int, error) {
	return testutil.GatherAndCount(reg.Gatherer(), name)
}
