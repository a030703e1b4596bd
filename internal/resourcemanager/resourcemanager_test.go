// Copyright (C) 2024 right-sizer contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package resourcemanager_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marathon-autoscaler/internal/model"
	"marathon-autoscaler/internal/resourcemanager"
)

func TestFreeCPUsAndFreeMemMB(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/metrics/snapshot", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]float64{
			"master/cpus_total": 10,
			"master/cpus_used":  4,
			"master/mem_total":  20000,
			"master/mem_used":   8000,
		})
	}))
	defer server.Close()

	gw := resourcemanager.New(resourcemanager.Config{URL: server.URL}, nil)

	free, err := gw.FreeCPUs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6.0, free)

	freeMem, err := gw.FreeMemMB(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12000.0, freeMem)
}

func TestAgentTaskStats(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/monitor/statistics.json", r.URL.Path)
		_ = json.NewEncoder(w).Encode([]map[string]interface{}{
			{
				"executor_id": "task.1",
				"statistics": map[string]interface{}{
					"cpus_system_time_secs": 1.5,
					"cpus_user_time_secs":   2.5,
					"mem_rss_bytes":         1024,
					"mem_limit_bytes":       2048,
				},
			},
		})
	}))
	defer server.Close()

	host, portStr, err := net.SplitHostPort(server.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	gw := resourcemanager.New(resourcemanager.Config{AgentPort: port}, nil)

	stats, err := gw.AgentTaskStats(context.Background(), host)
	require.NoError(t, err)
	require.Contains(t, stats, model.TaskId("task.1"))
	rec := stats[model.TaskId("task.1")]
	assert.Equal(t, 1.5, rec.CpusSystemTimeSecs)
	assert.Equal(t, int64(2048), rec.MemLimitBytes)
}

func TestAgentTaskStatsUnreachableHostIsTransientFetchError(t *testing.T) {
	gw := resourcemanager.New(resourcemanager.Config{AgentPort: 1}, nil)

	stats, err := gw.AgentTaskStats(context.Background(), "127.0.0.1")
	assert.Error(t, err)
	assert.Nil(t, stats)
}
