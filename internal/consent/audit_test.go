package consent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/consent-engine/pkg/encryption"
	"github.com/medrex/consent-engine/pkg/types"
)

type sliceScanner struct {
	entries []*types.AuditLog
	err     error
}

// entries must already be ordered by patient, then sequence
func (s sliceScanner) ScanAuditLogs(_ context.Context, after AuditCursor, limit int) ([]*types.AuditLog, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []*types.AuditLog
	for _, e := range s.entries {
		if after.before(e) {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func buildChain(t *testing.T, n int) []*types.AuditLog {
	t.Helper()
	return buildChainFor(t, "p", n)
}

func buildChainFor(t *testing.T, patientID string, n int) []*types.AuditLog {
	t.Helper()
	now := time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)
	var chain []*types.AuditLog
	var tail *types.AuditLog
	for i := 0; i < n; i++ {
		e := newAuditEntry(types.AuditRead, patientID, strPtr("u"), strPtr("o"), now.Add(time.Duration(i)*time.Second),
			map[string]interface{}{"grant_id": "g", "count": i})
		require.NoError(t, sealEntry(e, tail))
		chain = append(chain, e)
		tail = e
	}
	return chain
}

func TestSealEntry_LinksToTail(t *testing.T) {
	chain := buildChain(t, 3)

	assert.Equal(t, int64(1), chain[0].Sequence)
	assert.Equal(t, encryption.GenesisHash, chain[0].PrevHash)
	assert.Equal(t, chain[0].EntryHash, chain[1].PrevHash)
	assert.Equal(t, chain[1].EntryHash, chain[2].PrevHash)
	assert.Equal(t, int64(3), chain[2].Sequence)
	assert.Len(t, chain[2].EntryHash, 64)

	// details are stored as decoded JSON
	assert.Equal(t, float64(2), chain[2].Details["count"])
	assert.Equal(t, 0, chain[0].CreatedAt.Nanosecond()%1000)
}

func TestSealEntry_Validation(t *testing.T) {
	now := time.Now()
	err := sealEntry(newAuditEntry("delete", "p", nil, nil, now, nil), nil)
	assert.Equal(t, types.KindValidation, types.KindOf(err))

	err = sealEntry(newAuditEntry(types.AuditRead, "", nil, nil, now, nil), nil)
	assert.Equal(t, types.KindValidation, types.KindOf(err))

	other := buildChainFor(t, "p2", 1)[0]
	err = sealEntry(newAuditEntry(types.AuditRead, "p1", nil, nil, now, nil), other)
	assert.Error(t, err, "an entry cannot extend another patient's chain")
}

func TestVerifyChain(t *testing.T) {
	ctx := context.Background()

	t.Run("intact", func(t *testing.T) {
		report, err := VerifyChain(ctx, sliceScanner{entries: buildChain(t, 5)})
		require.NoError(t, err)
		assert.True(t, report.Valid)
		assert.Equal(t, int64(5), report.Checked)
		assert.Equal(t, int64(1), report.Chains)
	})

	t.Run("independent patient chains", func(t *testing.T) {
		chain := append(buildChainFor(t, "p1", 3), buildChainFor(t, "p2", 2)...)
		chain = append(chain, buildChainFor(t, "p3", 1)...)

		report, err := VerifyChain(ctx, sliceScanner{entries: chain})
		require.NoError(t, err)
		assert.True(t, report.Valid)
		assert.Equal(t, int64(6), report.Checked)
		assert.Equal(t, int64(3), report.Chains)
		assert.Equal(t, int64(1), chain[3].Sequence)
		assert.Equal(t, encryption.GenesisHash, chain[3].PrevHash)
	})

	t.Run("break names the patient", func(t *testing.T) {
		chain := append(buildChainFor(t, "p1", 2), buildChainFor(t, "p2", 3)...)
		chain[3].Details["grant_id"] = "forged"

		report, err := VerifyChain(ctx, sliceScanner{entries: chain})
		require.NoError(t, err)
		assert.False(t, report.Valid)
		assert.Equal(t, "p2", report.BrokenPatientID)
		assert.Equal(t, int64(2), *report.BrokenAt)
		assert.Equal(t, int64(3), report.Checked)
	})

	t.Run("chain missing its first entry", func(t *testing.T) {
		chain := append(buildChainFor(t, "p1", 2), buildChainFor(t, "p2", 2)[1:]...)

		report, err := VerifyChain(ctx, sliceScanner{entries: chain})
		require.NoError(t, err)
		assert.False(t, report.Valid)
		assert.Equal(t, "p2", report.BrokenPatientID)
		assert.Contains(t, report.Reason, "sequence gap")
	})

	t.Run("edited details", func(t *testing.T) {
		chain := buildChain(t, 5)
		chain[2].Details["grant_id"] = "forged"

		report, err := VerifyChain(ctx, sliceScanner{entries: chain})
		require.NoError(t, err)
		assert.False(t, report.Valid)
		require.NotNil(t, report.BrokenAt)
		assert.Equal(t, int64(3), *report.BrokenAt)
		assert.Equal(t, int64(2), report.Checked)
	})

	t.Run("rehashed entry breaks its successor", func(t *testing.T) {
		chain := buildChain(t, 4)
		chain[1].UserAgent = "curl"
		payload, err := canonicalPayload(chain[1])
		require.NoError(t, err)
		chain[1].EntryHash = encryption.ChainHash(chain[1].PrevHash, payload)

		report, err := VerifyChain(ctx, sliceScanner{entries: chain})
		require.NoError(t, err)
		assert.False(t, report.Valid)
		assert.Equal(t, int64(3), *report.BrokenAt)
		assert.Contains(t, report.Reason, "previous hash")
	})

	t.Run("deleted entry", func(t *testing.T) {
		chain := buildChain(t, 4)
		chain = append(chain[:1], chain[2:]...)

		report, err := VerifyChain(ctx, sliceScanner{entries: chain})
		require.NoError(t, err)
		assert.False(t, report.Valid)
		assert.Equal(t, int64(3), *report.BrokenAt)
		assert.Contains(t, report.Reason, "sequence gap")
	})

	t.Run("scan failure", func(t *testing.T) {
		_, err := VerifyChain(ctx, sliceScanner{err: errors.New("boom")})
		assert.Error(t, err)
	})
}

func TestVerifyChain_Pages(t *testing.T) {
	report, err := VerifyChain(context.Background(), sliceScanner{entries: buildChain(t, chainPageSize+3)})
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, int64(chainPageSize+3), report.Checked)

	// a page boundary falling between two patients
	chain := append(buildChainFor(t, "p1", chainPageSize), buildChainFor(t, "p2", 2)...)
	report, err = VerifyChain(context.Background(), sliceScanner{entries: chain})
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, int64(2), report.Chains)
}

func TestCanonicalPayload_DetailKeyOrderIsStable(t *testing.T) {
	e := newAuditEntry(types.AuditShare, "p", nil, nil, time.Now(), map[string]interface{}{"b": 1, "a": 2, "c": 3})
	first, err := canonicalPayload(e)
	require.NoError(t, err)

	e.Details = map[string]interface{}{"c": 3, "a": 2, "b": 1}
	second, err := canonicalPayload(e)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}
