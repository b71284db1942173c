// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package status

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/gridsched/services/gridsched/simulation"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestServer_Health(t *testing.T) {
	s := New(nil, nil, nil)
	w := get(t, s.Handler(), "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, ServiceVersion, resp.Version)
}

func TestServer_StatusWithoutRun(t *testing.T) {
	s := New(nil, nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, s.Handler(), "/v1/status").Code)
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/metrics").Code)
}

func TestServer_Status(t *testing.T) {
	p := simulation.NewProgress("run-1", 2, 10)
	s := New(p, nil, nil)

	w := get(t, s.Handler(), "/v1/status")
	require.Equal(t, http.StatusOK, w.Code)
	var snap simulation.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, "run-1", snap.RunID)
	assert.Equal(t, 10, snap.Timesteps)
	require.Len(t, snap.Ranks, 2)
	assert.Equal(t, -1, snap.Ranks[1].Timestep)

	w = get(t, s.Handler(), "/v1/status/ranks/1")
	require.Equal(t, http.StatusOK, w.Code)
	var rs simulation.RankStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rs))
	assert.Equal(t, 1, rs.Rank)

	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/v1/status/ranks/2").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, s.Handler(), "/v1/status/ranks/first").Code)
}

func TestServer_Metrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "gridsched_tasks_executed_total 3\n")
	})
	s := New(nil, metrics, nil)
	w := get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "gridsched_tasks_executed_total")
}

func TestServer_StartShutdown(t *testing.T) {
	s := New(nil, nil, nil)
	addr, err := s.Start("127.0.0.1:0")
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Shutdown(context.Background()))
}
