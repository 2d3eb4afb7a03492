package metricsexport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jive-vlbi/mark5xfer/internal/stats"
)

func TestHandlerExportsCounters(t *testing.T) {
	reg := stats.NewRegistry()
	reg.Step("disk_reader").AddBytes(4096)
	reg.PktIn.Add(3)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.True(t, strings.Contains(body, "mark5xfer_step_bytes_total"))
	require.True(t, strings.Contains(body, `step="disk_reader"`))
	require.True(t, strings.Contains(body, "mark5xfer_udps_packets_in_total 3"))
}
