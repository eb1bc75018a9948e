package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/openfleet/sqlite-worker/go/database"
)

// Worker is the control-plane client for one registered worker pod.
type Worker struct {
	podName string
	client  *http.Client
	// baseURL overrides environment-based resolution; tests point it at a
	// local server.
	baseURL string
}

// NewWorker returns a client for the given pod.
func NewWorker(podName string) *Worker {
	return &Worker{podName: podName, client: http.DefaultClient}
}

// urlCache memoizes resolved worker base URLs by pod name.
var urlCache, _ = lru.New[string, string](1024)

// URL resolves the worker's base URL. With IS_LOCAL_DEV set, cluster DNS is
// bypassed in favor of localhost; otherwise the pod is addressed through the
// headless service.
func (w *Worker) URL() (string, error) {
	if w.baseURL != "" {
		return w.baseURL, nil
	}
	if cached, ok := urlCache.Get(w.podName); ok {
		return cached, nil
	}
	if _, ok := os.LookupEnv("IS_LOCAL_DEV"); ok {
		return "http://localhost:3005", nil
	}

	namespace, ok := os.LookupEnv("CLUSTER_NAMESPACE")
	if !ok {
		return "", fmt.Errorf("CLUSTER_NAMESPACE env var not set")
	}
	service, ok := os.LookupEnv("CORE_SQLITE_HEADLESS_SERVICE_NAME")
	if !ok {
		return "", fmt.Errorf("CORE_SQLITE_HEADLESS_SERVICE_NAME env var not set")
	}

	var url = fmt.Sprintf("http://%s.%s.%s.svc.cluster.local", w.podName, service, namespace)
	urlCache.Add(w.podName, url)
	return url, nil
}

// UpsertRows sends rows of (databaseID, tableID) to the worker, evicting
// its engine for the database as a side effect.
func (w *Worker) UpsertRows(ctx context.Context, databaseID, tableID string, rows []database.Row, truncate bool) error {
	url, err := w.URL()
	if err != nil {
		return err
	}

	body, err := json.Marshal(map[string]interface{}{
		"rows":     rows,
		"truncate": truncate,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST",
		fmt.Sprintf("%s/databases/%s/tables/%s/rows", url, databaseID, tableID),
		bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to send rows to sqlite worker, status %d", resp.StatusCode)
	}
	return nil
}

// GetRows retrieves rows of (databaseID, tableID) from the worker, plus the
// total count before pagination.
func (w *Worker) GetRows(ctx context.Context, databaseID, tableID string, lo *database.LimitOffset) ([]database.Row, int, error) {
	url, err := w.URL()
	if err != nil {
		return nil, 0, err
	}

	var uri = fmt.Sprintf("%s/databases/%s/tables/%s/rows", url, databaseID, tableID)
	if lo != nil {
		uri = fmt.Sprintf("%s?limit=%d&offset=%d", uri, lo.Limit, lo.Offset)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", uri, nil)
	if err != nil {
		return nil, 0, err
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("failed to retrieve rows from sqlite worker, status %d", resp.StatusCode)
	}

	var envelope struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
		Response *struct {
			Rows  []database.Row `json:"rows"`
			Total int            `json:"total"`
		} `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, 0, fmt.Errorf("decoding worker response: %w", err)
	}
	if envelope.Error != nil {
		return nil, 0, fmt.Errorf("error retrieving rows: %s", envelope.Error.Message)
	}
	if envelope.Response == nil {
		return nil, 0, fmt.Errorf("no rows found in response")
	}
	return envelope.Response.Rows, envelope.Response.Total, nil
}
