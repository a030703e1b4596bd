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

// Package orchestrator is the gateway to the workload orchestrator
// (Marathon): app enumeration, app definitions, replica/memory
// mutation, and deployment-quiescence polling.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"marathon-autoscaler/internal/apperrors"
	"marathon-autoscaler/internal/httpclient"
	"marathon-autoscaler/internal/logger"
	"marathon-autoscaler/internal/model"
	"marathon-autoscaler/internal/retry"
	"marathon-autoscaler/internal/telemetry"
)

// deploymentPollInterval is how often WaitUntilDeployed re-checks the
// deployments endpoint while a mutation's deployment is still active.
const deploymentPollInterval = 5 * time.Second

type appsResponse struct {
	Apps []appSummary `json:"apps"`
}

type appSummary struct {
	ID string `json:"id"`
}

type appDetailResponse struct {
	App appDetail `json:"app"`
}

type appDetail struct {
	Instances int          `json:"instances"`
	Mem       float64      `json:"mem"`
	Cpus      float64      `json:"cpus"`
	Tasks     []appTaskRef `json:"tasks"`
}

type appTaskRef struct {
	ID   string `json:"id"`
	Host string `json:"host"`
}

type mutationResponse struct {
	DeploymentID string `json:"deploymentId"`
}

type deployment struct {
	ID string `json:"id"`
}

// Config configures a Gateway.
type Config struct {
	URL                string
	User               string
	Pass               string
	InsecureSkipVerify bool
	RequestTimeout     time.Duration
	// TokenSource optionally supplies a bearer token (DC/OS-IAM
	// service-account auth) to use in place of HTTP basic auth.
	TokenSource TokenSource
}

// TokenSource returns the current bearer token, refreshing it if
// necessary. Returning an empty string falls back to basic auth.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Gateway talks to Marathon over HTTP+JSON. Read calls flow through a
// retryer and a circuit breaker so a flapping Marathon master fails
// fast instead of stalling every tick on its retry budget.
type Gateway struct {
	cfg     Config
	client  *http.Client
	retryer *retry.RetryWithCircuitBreaker
	metrics *telemetry.Metrics
}

// New builds a Gateway. metrics may be nil to skip instrumentation.
func New(cfg Config, metrics *telemetry.Metrics) *Gateway {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	return &Gateway{
		cfg:     cfg,
		client:  httpclient.New(cfg.InsecureSkipVerify, cfg.RequestTimeout),
		retryer: retry.NewRetryWithCircuitBreaker("marathon", retry.DefaultConfig(), retry.DefaultCircuitBreakerConfig(), metrics),
		metrics: metrics,
	}
}

// ListApps returns every app id known to the orchestrator, normalized
// (leading "/" stripped). An empty cluster yields an empty slice, not
// an error.
func (g *Gateway) ListApps(ctx context.Context) ([]model.AppId, error) {
	var parsed appsResponse
	op := "orchestrator.list_apps"
	err := g.retryer.ExecuteWithContext(ctx, op, func(ctx context.Context) error {
		start := time.Now()
		reqErr := g.doJSON(ctx, http.MethodGet, "/v2/apps", nil, &parsed)
		if g.metrics != nil {
			g.metrics.RecordGatewayCall("marathon", "list_apps", time.Since(start), reqErr)
		}
		if reqErr != nil {
			return retry.WrapGatewayError(reqErr)
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.TransientFetchError(op, err)
	}

	ids := make([]model.AppId, 0, len(parsed.Apps))
	for _, a := range parsed.Apps {
		ids = append(ids, model.NormalizeAppId(a.ID))
	}
	return ids, nil
}

// AppDefinition fetches an app's current definition, or nil if the
// orchestrator reports zero running tasks for it.
func (g *Gateway) AppDefinition(ctx context.Context, app model.AppId) (*model.AppDefinition, error) {
	var parsed appDetailResponse
	op := "orchestrator.app_definition"
	path := fmt.Sprintf("/v2/apps/%s", app)
	err := g.retryer.ExecuteWithContext(ctx, op, func(ctx context.Context) error {
		start := time.Now()
		reqErr := g.doJSON(ctx, http.MethodGet, path, nil, &parsed)
		if g.metrics != nil {
			g.metrics.RecordGatewayCall("marathon", "app_definition", time.Since(start), reqErr)
		}
		if reqErr != nil {
			return retry.WrapGatewayError(reqErr)
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.TransientFetchError(op, err)
	}

	if len(parsed.App.Tasks) == 0 {
		return nil, nil
	}

	tasks := make(map[model.TaskId]model.TaskLocation, len(parsed.App.Tasks))
	for _, t := range parsed.App.Tasks {
		tasks[model.TaskId(t.ID)] = model.TaskLocation{Host: t.Host}
	}
	return &model.AppDefinition{
		Cpus:  parsed.App.Cpus,
		MemMB: parsed.App.Mem,
		Tasks: tasks,
	}, nil
}

// SetReplicas requests a replica-count change and waits for the
// resulting deployment to reach quiescence. Returns false (not an
// error) on a non-2xx orchestrator response.
func (g *Gateway) SetReplicas(ctx context.Context, app model.AppId, n int) (bool, error) {
	return g.mutate(ctx, app, "set_replicas", map[string]interface{}{"instances": n})
}

// SetMemory requests a per-task memory-allotment change and waits for
// the resulting deployment to reach quiescence.
func (g *Gateway) SetMemory(ctx context.Context, app model.AppId, memMB float64) (bool, error) {
	return g.mutate(ctx, app, "set_memory", map[string]interface{}{"mem": memMB})
}

func (g *Gateway) mutate(ctx context.Context, app model.AppId, op string, body map[string]interface{}) (bool, error) {
	path := fmt.Sprintf("/v2/apps/%s", app)
	payload, err := json.Marshal(body)
	if err != nil {
		return false, apperrors.Wrapf(err, apperrors.CategoryInternal, op, "failed to marshal mutation body for %s", app)
	}

	start := time.Now()
	statusCode, respBody, err := g.rawRequest(ctx, http.MethodPut, path, payload)
	if g.metrics != nil {
		g.metrics.RecordGatewayCall("marathon", op, time.Since(start), err)
	}
	if err != nil {
		return false, apperrors.TransientFetchError(op, err)
	}

	// A rejected mutation is reported as ok=false, not as an error; the
	// policy engine records it and leaves the sample window intact.
	if statusCode >= 300 {
		logger.Warn("orchestrator rejected %s for %s with status %d", op, app, statusCode)
		return false, nil
	}

	var parsed mutationResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return false, apperrors.Wrapf(err, apperrors.CategoryInternal, op, "failed to decode mutation response for %s", app)
	}

	waitStart := time.Now()
	if err := g.WaitUntilDeployed(ctx, parsed.DeploymentID); err != nil {
		return false, err
	}
	if g.metrics != nil {
		g.metrics.RecordDeploymentWait(string(app), time.Since(waitStart))
	}
	return true, nil
}

// WaitUntilDeployed polls the deployments endpoint, at
// deploymentPollInterval, until no entry with the given deployment id
// is present. The wait is unbounded: the next tick must not start
// until the previous deployment settles.
func (g *Gateway) WaitUntilDeployed(ctx context.Context, deploymentID string) error {
	if deploymentID == "" {
		return nil
	}

	for {
		var deployments []deployment
		op := "orchestrator.wait_until_deployed"
		err := g.retryer.ExecuteWithContext(ctx, op, func(ctx context.Context) error {
			reqErr := g.doJSON(ctx, http.MethodGet, "/v2/deployments", nil, &deployments)
			if reqErr != nil {
				return retry.WrapGatewayError(reqErr)
			}
			return nil
		})
		if err != nil {
			return apperrors.TransientFetchError(op, err)
		}

		active := false
		for _, d := range deployments {
			if d.ID == deploymentID {
				active = true
				break
			}
		}
		if !active {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(deploymentPollInterval):
		}
	}
}

func (g *Gateway) doJSON(ctx context.Context, method, path string, body []byte, out interface{}) error {
	statusCode, respBody, err := g.rawRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if statusCode >= 300 {
		return fmt.Errorf("orchestrator request %s %s returned status %d", method, path, statusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

func (g *Gateway) rawRequest(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	url := g.cfg.URL + path

	var reqBody *bytes.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-type", "application/json")
	}
	if err := g.applyAuth(ctx, req); err != nil {
		return 0, nil, err
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return 0, nil, fmt.Errorf("failed to read orchestrator response body: %w", err)
	}
	return resp.StatusCode, buf.Bytes(), nil
}

func (g *Gateway) applyAuth(ctx context.Context, req *http.Request) error {
	if g.cfg.TokenSource != nil {
		token, err := g.cfg.TokenSource.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to obtain service-account token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "token="+token)
			return nil
		}
	}
	if g.cfg.User != "" {
		req.SetBasicAuth(g.cfg.User, g.cfg.Pass)
	}
	return nil
}
