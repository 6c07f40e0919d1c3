package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/incident"
)

// --- Mock implementations ---

type fakeOrders map[string]bool

func (f fakeOrders) GetByIdempotencyKey(_ context.Context, key string) (*order.Order, error) {
	if key == "broken" {
		return nil, errors.New("connection reset")
	}
	if f[key] {
		return &order.Order{ID: "ord_" + key, IdempotencyKey: key}, nil
	}
	return nil, order.ErrNotFound
}

// --- Helpers ---

func testIncident(key string, at time.Time) incident.Incident {
	return incident.Incident{
		SessionID:         "s_" + key,
		UserID:            "u1",
		Method:            "stripe",
		ProviderReference: "pi_" + key,
		Amount:            decimal.RequireFromString("59.99"),
		Currency:          "usd",
		IdempotencyKey:    key,
		Reason:            "order service unavailable",
		OccurredAt:        at,
	}
}

// writeJournal records incidents into a journal small enough to rotate after
// every record, leaving the first ones in gzip archives.
func writeJournal(t *testing.T, path string, incidents ...incident.Incident) {
	t.Helper()
	j, err := incident.OpenJournal(path, 1)
	require.NoError(t, err)
	for _, inc := range incidents {
		require.NoError(t, j.Record(context.Background(), inc))
	}
	require.NoError(t, j.Close())
}

// --- Tests ---

func TestRun_ReadsArchivesAndDedupes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "incidents.jsonl")
	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	writeJournal(t, path,
		testIncident("k1", base),
		testIncident("k2", base.Add(time.Minute)),
		testIncident("k1", base.Add(2*time.Minute)),
	)
	// A live journal with one more line next to the archives.
	require.NoError(t, os.WriteFile(path, append(incident.Encode(testIncident("k3", base.Add(time.Hour))), '\n'), 0o600))

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), &out, path, "", false))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "IDEMPOTENCY KEY")
	assert.Contains(t, lines[1], "pi_k1")
	assert.Contains(t, lines[1], "59.99 usd")
	assert.Contains(t, lines[2], "pi_k2")
	assert.Contains(t, lines[3], "pi_k3")
	assert.Contains(t, lines[3], "open")
}

func TestRun_MissingJournal(t *testing.T) {
	err := run(context.Background(), &bytes.Buffer{}, filepath.Join(t.TempDir(), "none.jsonl"), "", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no journal found")
}

func TestMarkResolved(t *testing.T) {
	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	incidents := []incident.Incident{testIncident("k1", base), testIncident("k2", base)}

	resolved, err := markResolved(context.Background(), fakeOrders{"k2": true}, incidents)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true}, resolved)

	_, err = markResolved(context.Background(), fakeOrders{}, []incident.Incident{testIncident("broken", base)})
	require.Error(t, err)
}

func TestWriteJSON_SkipsResolved(t *testing.T) {
	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	incidents := []incident.Incident{testIncident("k1", base), testIncident("k2", base)}

	var out bytes.Buffer
	require.NoError(t, writeJSON(&out, incidents, []bool{true, false}))

	got, err := incident.Read(&out)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "k2", got[0].IdempotencyKey)
}
