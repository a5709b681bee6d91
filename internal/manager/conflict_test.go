package manager

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"replisync/internal/models"
	"replisync/internal/syncerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func priceRecord(price int, at time.Time) *models.Record {
	return &models.Record{
		Collection: "products",
		ID:         "p1",
		Data:       json.RawMessage(fmt.Sprintf(`{"price":%d}`, price)),
		Meta:       models.RecordMeta{CreatedAt: at, UpdatedAt: at},
	}
}

func TestResolveConflict(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)
	local := priceRecord(100, t0)
	remote := priceRecord(150, t1)

	got := ResolveConflict("products", "p1", local, remote, ServerWins)
	assert.Equal(t, remote, got)
	assert.JSONEq(t, `{"price":150}`, string(got.Data))

	got = ResolveConflict("products", "p1", local, remote, ClientWins)
	assert.Equal(t, local, got)
	assert.JSONEq(t, `{"price":100}`, string(got.Data))

	got = ResolveConflict("products", "p1", local, remote, LastWriteWins)
	assert.Equal(t, remote, got)

	newerLocal := priceRecord(120, t1.Add(time.Minute))
	got = ResolveConflict("products", "p1", newerLocal, remote, LastWriteWins)
	assert.Equal(t, newerLocal, got)

	tie := priceRecord(99, t1)
	got = ResolveConflict("products", "p1", tie, remote, LastWriteWins)
	assert.Equal(t, remote, got)
}

func TestResolveConflict_Deterministic(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	local := priceRecord(100, t0)
	remote := priceRecord(150, t0.Add(time.Second))

	for _, p := range []ConflictPolicy{ServerWins, ClientWins, LastWriteWins} {
		first := ResolveConflict("products", "p1", local, remote, p)
		for i := 0; i < 5; i++ {
			assert.Equal(t, first, ResolveConflict("products", "p1", local, remote, p))
		}
	}

	// the result is a copy
	got := ResolveConflict("products", "p1", local, remote, ServerWins)
	got.Data[0] = ' '
	assert.JSONEq(t, `{"price":150}`, string(remote.Data))
}

func TestResolveConflict_MissingSide(t *testing.T) {
	rec := priceRecord(1, time.Now())

	assert.Equal(t, rec, ResolveConflict("products", "p1", rec, nil, ServerWins))
	assert.Equal(t, rec, ResolveConflict("products", "p1", nil, rec, ClientWins))
	assert.Nil(t, ResolveConflict("products", "p1", nil, nil, ServerWins))
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, ServerWins, p)

	p, err = ParsePolicy("last-write-wins")
	require.NoError(t, err)
	assert.Equal(t, LastWriteWins, p)

	_, err = ParsePolicy("merge")
	assert.Equal(t, syncerr.KindConfig, syncerr.KindOf(err))
}
