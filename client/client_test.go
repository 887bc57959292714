package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/imggo/engine/api"
	"github.com/imggo/engine/client"
	"github.com/imggo/engine/engine"
	"github.com/imggo/engine/job"
	"github.com/imggo/engine/process"
	"github.com/imggo/engine/store/memory"
)

const testToken = "sk_test_123"

func newTestServer(t *testing.T) (*engine.Engine, *httptest.Server) {
	t.Helper()
	eng, err := engine.New(
		engine.WithStore(memory.New()),
		engine.WithAnalyzer(process.AnalyzerFunc(func(_ context.Context, _ *job.Job) (*job.Result, error) {
			return &job.Result{Data: json.RawMessage(`{"total":42}`), Confidence: 0.95}, nil
		})),
	)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	auth := api.NewAPIKeyAuthenticator(api.APIKeyEntry{Token: testToken})
	ts := httptest.NewServer(api.NewServer(eng, auth).Handler())
	t.Cleanup(ts.Close)
	return eng, ts
}

func newTestClient(t *testing.T, ts *httptest.Server) *client.Client {
	t.Helper()
	c, err := client.New(ts.URL, client.WithToken(testToken))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestIngestAndWait(t *testing.T) {
	t.Parallel()
	eng, ts := newTestServer(t)
	c := newTestClient(t, ts)
	ctx := context.Background()

	if err := eng.Start(ctx); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	defer eng.Stop(ctx)

	res, err := c.Ingest(ctx, "ptn_receipt", client.IngestRequest{
		ImageURL: "https://example.com/receipt.png",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.StatusCode != 202 || res.Job.Status != "queued" {
		t.Fatalf("unexpected submission: status=%d job=%+v", res.StatusCode, res.Job)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	j, err := c.Wait(waitCtx, res.Job.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if j.Status != "completed" || j.Result == nil || j.Result.Confidence != 0.95 {
		t.Fatalf("unexpected terminal job: %+v", j)
	}
}

func TestIngestReplay(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)
	c := newTestClient(t, ts)
	ctx := context.Background()

	req := client.IngestRequest{
		ImageURL:       "https://example.com/receipt.png",
		IdempotencyKey: "order-42",
	}
	first, err := c.Ingest(ctx, "ptn_receipt", req)
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if first.Replayed {
		t.Fatal("first submission must not report a replay")
	}

	second, err := c.Ingest(ctx, "ptn_receipt", req)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if !second.Replayed || second.Job.ID != first.Job.ID {
		t.Fatalf("expected replay of %s, got %+v", first.Job.ID, second)
	}
}

func TestIngestFile(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)
	c := newTestClient(t, ts)

	payload := strings.NewReader("\x89PNG\r\n\x1a\n" + strings.Repeat("x", 64))
	res, err := c.IngestFile(context.Background(), "ptn_receipt", "receipt.png", payload)
	if err != nil {
		t.Fatalf("ingest file: %v", err)
	}
	if res.StatusCode != 202 {
		t.Fatalf("expected 202, got %d", res.StatusCode)
	}
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)
	ctx := context.Background()

	bad, err := client.New(ts.URL, client.WithToken("wrong"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = bad.Ingest(ctx, "ptn_receipt", client.IngestRequest{ImageURL: "https://example.com/a.png"})
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 401 {
		t.Fatalf("expected 401 APIError, got %v", err)
	}

	c := newTestClient(t, ts)
	_, err = c.Ingest(ctx, "ptn_receipt", client.IngestRequest{})
	if !errors.As(err, &apiErr) || apiErr.Status != 400 || apiErr.Code != job.CodeMissingField {
		t.Fatalf("expected missing_field APIError, got %v", err)
	}

	_, err = c.GetJob(ctx, "job_0000000000000000000000000")
	if !errors.As(err, &apiErr) || apiErr.Status != 404 {
		t.Fatalf("expected 404 APIError, got %v", err)
	}
}

func TestWebhookLifecycle(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)
	c := newTestClient(t, ts)
	ctx := context.Background()

	wh, err := c.RegisterWebhook(ctx, "https://example.com/hooks", []string{"job.completed"})
	if err != nil {
		t.Fatalf("register webhook: %v", err)
	}
	if wh.ID == "" || wh.Secret == "" {
		t.Fatalf("expected id and secret, got %+v", wh)
	}

	if err := c.UnregisterWebhook(ctx, wh.ID); err != nil {
		t.Fatalf("unregister webhook: %v", err)
	}
	var apiErr *client.APIError
	if err := c.UnregisterWebhook(ctx, wh.ID); !errors.As(err, &apiErr) || apiErr.Status != 404 {
		t.Fatalf("expected 404 on double unregister, got %v", err)
	}
}

func TestListDeliveries(t *testing.T) {
	t.Parallel()
	eng, ts := newTestServer(t)
	c := newTestClient(t, ts)
	ctx := context.Background()

	j, _, _, err := eng.Submit(ctx, testToken, "ptn_receipt",
		job.Input{URL: "https://example.com/receipt.png"}, engine.SubmitOptions{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	deliveries, err := c.ListDeliveries(ctx, j.ID.String())
	if err != nil {
		t.Fatalf("list deliveries: %v", err)
	}
	if len(deliveries) != 0 {
		t.Fatalf("expected empty delivery log, got %d", len(deliveries))
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)
	c := newTestClient(t, ts)

	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
}
