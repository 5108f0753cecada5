package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsql/driftsql/model"
)

func sampleRecord(seq uint32) Record {
	return Record{
		Seq:        seq,
		ArchivedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Info: model.QueryInfo{
			BasicQueryInfo: model.BasicQueryInfo{
				QueryID:    model.QueryID("20260301_120000_00001_abcde"),
				State:      model.StateFinished,
				User:       "alice",
				OutputRows: 42,
			},
			SQLText:  "SELECT orderkey FROM orders WHERE orderkey < 100",
			PlanText: "Output[orderkey]\n  ScanFilter[orders]",
		},
	}
}

func TestRecordRoundTrip(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionZstd, CompressionLZ4} {
		data, err := Encode(sampleRecord(7), c)
		require.NoError(t, err)

		got, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, sampleRecord(7), got)
	}
}

func TestZstdActuallyCompresses(t *testing.T) {
	rec := sampleRecord(1)
	// Repetitive plan text compresses well.
	for i := 0; i < 200; i++ {
		rec.Info.PlanText += "\n  ScanFilter[orders] => [orderkey:bigint]"
	}

	plain, err := Encode(rec, CompressionNone)
	require.NoError(t, err)
	packed, err := Encode(rec, CompressionZstd)
	require.NoError(t, err)
	assert.Less(t, len(packed), len(plain))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode(nil)
	assert.Error(t, err)

	_, err = Decode([]byte{99, 1, 2, 3})
	assert.Error(t, err)

	_, err = Decode([]byte{tagLZ4, 1})
	assert.Error(t, err)
}

func TestEncodeUnknownCompression(t *testing.T) {
	_, err := Encode(sampleRecord(1), Compression(42))
	assert.Error(t, err)
}
