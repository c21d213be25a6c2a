package labels

import (
	"bytes"
	"encoding/csv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diskwatcher/diskwatcher/pkg/types"
)

func strPtr(s string) *string { return &s }
func intPtr(n int64) *int64   { return &n }

// TestHumanID covers the reduction rules: composite ids collapse to their
// last hex run, dashed ids keep enough trailing segments, and everything
// clamps to its tail.
func TestHumanID(t *testing.T) {
	tests := []struct {
		name     string
		volume   types.Volume
		expected string
	}{
		{
			name:     "plain short id",
			volume:   types.Volume{VolumeID: "PHOTOS"},
			expected: "PHOTOS",
		},
		{
			name:     "composite id keeps last hex run",
			volume:   types.Volume{VolumeID: "uuid=abcd-1234|serial=s3x1nb0k"},
			expected: "b0",
		},
		{
			name:     "composite with trailing hex serial",
			volume:   types.Volume{VolumeID: "uuid=ab12|serial=deadbeef"},
			expected: "deadbeef",
		},
		{
			name:     "dashed id accumulates to six chars",
			volume:   types.Volume{VolumeID: "ABCD-1234"},
			expected: "ABCD-1234",
		},
		{
			name:     "dashed uuid keeps its final segment",
			volume:   types.Volume{VolumeID: "f2e1d0c9-b8a7-6543-2100-fedcba987654"},
			expected: "fedcba987654",
		},
		{
			name:     "long flat id clamps to last 12",
			volume:   types.Volume{VolumeID: "0123456789abcdef0123456789abcdef"},
			expected: "456789abcdef",
		},
		{
			name: "partuuid beats filesystem uuid",
			volume: types.Volume{
				VolumeID:      "composite",
				MountUUID:     strPtr("AAAA-BBBB"),
				LsblkPartUUID: strPtr("0001-parte"),
			},
			expected: "0001-parte",
		},
		{
			name: "ptuuid beats mount uuid",
			volume: types.Volume{
				VolumeID:    "composite",
				MountUUID:   strPtr("AAAA-BBBB"),
				LsblkPTUUID: strPtr("feedface"),
			},
			expected: "feedface",
		},
		{
			name:     "empty id",
			volume:   types.Volume{VolumeID: "  "},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, HumanID(tt.volume))
		})
	}
}

// TestBuildRows prefers persisted label indexes and falls back to input
// position.
func TestBuildRows(t *testing.T) {
	volumes := []types.Volume{
		{VolumeID: "vol-a", Directory: "/mnt/a"},
		{VolumeID: "vol-b", Directory: "/mnt/b", LabelIndex: intPtr(42)},
		{
			VolumeID:        "vol-c",
			Directory:       "/mnt/c",
			MountLabel:      strPtr("PHOTOS"),
			UsageTotalBytes: intPtr(1000),
			UsageUsedBytes:  intPtr(400),
		},
	}

	rows := BuildRows(volumes)
	require.Len(t, rows, 3)

	assert.Equal(t, int64(1), rows[0]["label_index"])
	assert.Equal(t, int64(42), rows[1]["label_index"])
	assert.Equal(t, int64(3), rows[2]["label_index"])

	assert.Equal(t, "vol-a", rows[0]["volume_id"])
	assert.Nil(t, rows[0]["mount_label"])
	assert.Equal(t, "PHOTOS", rows[2]["mount_label"])
	assert.Equal(t, int64(1000), rows[2]["usage_total_bytes"])
	assert.Nil(t, rows[2]["usage_free_bytes"])

	for _, row := range rows {
		for _, col := range Header() {
			_, present := row[col]
			assert.True(t, present, "missing column %s", col)
		}
	}
}

// TestWriteCSV round-trips header order and empty cells for nil fields.
func TestWriteCSV(t *testing.T) {
	rows := BuildRows([]types.Volume{
		{VolumeID: "vol-a", Directory: "/mnt/a", MountDevice: strPtr("/dev/sdb1")},
	})

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, rows))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, Header(), records[0])
	require.Len(t, records[1], len(Header()))
	assert.Equal(t, "1", records[1][0])
	assert.Equal(t, "vol-a", records[1][2])
	assert.Equal(t, "/mnt/a", records[1][3])

	byCol := make(map[string]string)
	for i, col := range records[0] {
		byCol[col] = records[1][i]
	}
	assert.Equal(t, "/dev/sdb1", byCol["mount_device"])
	assert.Equal(t, "", byCol["mount_uuid"])
	assert.Equal(t, "", byCol["usage_total_bytes"])
}

// TestHeaderAnchorsFirst keeps the printable anchors ahead of raw columns.
func TestHeaderAnchorsFirst(t *testing.T) {
	header := Header()
	require.Greater(t, len(header), 2)
	assert.Equal(t, "label_index", header[0])
	assert.Equal(t, "human_id", header[1])
	assert.Equal(t, ExportColumns, header[2:])
}
