package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBatch_AmountsStayTextual(t *testing.T) {
	// GIVEN: A batch mixing integer and fractional amounts
	// WHEN: Decoding and converting to engine rows
	// THEN: Amounts come through as their exact wire text

	body := []byte(`{"batch_id": "2026-08-29", "rows": [
		{"external_id": "ks-1001", "amount": 350.5},
		{"external_id": "ks-1002", "amount": 120}
	]}`)

	batch, err := decodeBatch(body)
	require.NoError(t, err)
	assert.Equal(t, "2026-08-29", batch.BatchID)

	rows := batch.rows()
	require.Len(t, rows, 2)
	assert.Equal(t, "ks-1001", rows[0].ExternalID)
	assert.Equal(t, "350.5", rows[0].RawAmount)
	assert.Equal(t, "ks-1002", rows[1].ExternalID)
	assert.Equal(t, "120", rows[1].RawAmount)
}

func TestDecodeBatch_MalformedJSON(t *testing.T) {
	_, err := decodeBatch([]byte(`{"rows": [`))
	assert.Error(t, err)
}

func TestDecodeBatch_EmptyBatchRejected(t *testing.T) {
	_, err := decodeBatch([]byte(`{"batch_id": "x", "rows": []}`))
	assert.Error(t, err)

	_, err = decodeBatch([]byte(`{"batch_id": "x"}`))
	assert.Error(t, err)
}
