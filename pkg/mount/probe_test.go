package mount

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diskwatcher/diskwatcher/pkg/types"
)

// TestParseLsblkLine parses lsblk -P key="value" pairs, including empty
// values and colon-bearing keys.
func TestParseLsblkLine(t *testing.T) {
	line := `NAME="sdb1" PATH="/dev/sdb1" MODEL="" SERIAL="S3X1NB0K" MAJ:MIN="8:17" UUID="ABCD-1234" LABEL="PHOTOS"`
	fields := ParseLsblkLine(line)

	assert.Equal(t, "sdb1", fields["NAME"])
	assert.Equal(t, "/dev/sdb1", fields["PATH"])
	assert.Equal(t, "", fields["MODEL"])
	assert.Equal(t, "S3X1NB0K", fields["SERIAL"])
	assert.Equal(t, "8:17", fields["MAJ:MIN"])
	assert.Equal(t, "ABCD-1234", fields["UUID"])
	assert.Equal(t, "PHOTOS", fields["LABEL"])

	assert.Empty(t, ParseLsblkLine(""))
}

// TestCompositeVolumeID pins the priority order and fallback chain.
func TestCompositeVolumeID(t *testing.T) {
	tests := []struct {
		name     string
		info     *types.MountInfo
		expected string
	}{
		{
			name: "full attribute set in priority order",
			info: &types.MountInfo{
				Lsblk: map[string]string{
					"UUID":     "ABCD-1234",
					"PARTUUID": "0001-parte",
					"SERIAL":   "S3X1NB0K",
					"MODEL":    "Samsung T7",
				},
			},
			expected: "uuid=abcd-1234|partuuid=0001-parte|serial=s3x1nb0k|model=samsung t7",
		},
		{
			name: "single attribute",
			info: &types.MountInfo{
				Lsblk: map[string]string{"SERIAL": "XYZ"},
			},
			expected: "serial=xyz",
		},
		{
			name:     "uuid fallback without lsblk",
			info:     &types.MountInfo{UUID: "ABCD-1234", Label: "PHOTOS", Device: "/dev/sdb1"},
			expected: "ABCD-1234",
		},
		{
			name:     "label fallback",
			info:     &types.MountInfo{Label: "PHOTOS", Device: "/dev/sdb1"},
			expected: "PHOTOS",
		},
		{
			name:     "device fallback",
			info:     &types.MountInfo{Device: "/dev/sdb1"},
			expected: "/dev/sdb1",
		},
		{
			name:     "directory as last resort",
			info:     &types.MountInfo{Directory: "/mnt/usb0"},
			expected: "/mnt/usb0",
		},
		{
			name: "lsblk present but only non-identity keys",
			info: &types.MountInfo{
				Lsblk:  map[string]string{"NAME": "sdb1", "SIZE": "64G"},
				Device: "/dev/sdb1",
			},
			expected: "/dev/sdb1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CompositeVolumeID(tt.info))
		})
	}
}

// TestFallback derives collision-free path identity.
func TestFallback(t *testing.T) {
	dir := t.TempDir()
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)

	info := Fallback(dir)
	require.NotNil(t, info)
	assert.Equal(t, resolved, info.Directory)
	assert.Equal(t, string(filepath.Separator), info.VolumeID)
	assert.Equal(t, info.VolumeID, info.MountPoint)
	assert.False(t, info.Complete())
}

// TestProbeOrFallbackNeverNil keeps the watcher fast path total.
func TestProbeOrFallbackNeverNil(t *testing.T) {
	info := ProbeOrFallback(t.TempDir())
	require.NotNil(t, info)
	assert.NotEmpty(t, info.VolumeID)
}

// TestMountInfoComplete pins which attributes count as persistent.
func TestMountInfoComplete(t *testing.T) {
	assert.False(t, (*types.MountInfo)(nil).Complete())
	assert.False(t, (&types.MountInfo{Device: "/dev/sdb1"}).Complete())
	assert.True(t, (&types.MountInfo{UUID: "ABCD-1234"}).Complete())
	assert.True(t, (&types.MountInfo{Lsblk: map[string]string{"PARTUUID": "x"}}).Complete())
	assert.True(t, (&types.MountInfo{Lsblk: map[string]string{"SERIAL": "x"}}).Complete())
	assert.True(t, (&types.MountInfo{Lsblk: map[string]string{"WWN": "x"}}).Complete())
	assert.False(t, (&types.MountInfo{Lsblk: map[string]string{"MODEL": "x"}}).Complete())
}

// TestUnderRoot matches the root itself and anything below it, but never
// prefix-sharing siblings.
func TestUnderRoot(t *testing.T) {
	assert.True(t, underRoot("/mnt", "/mnt"))
	assert.True(t, underRoot("/mnt/usb0", "/mnt"))
	assert.True(t, underRoot("/mnt/usb0/photos", "/mnt"))
	assert.False(t, underRoot("/media/usb0", "/mnt"))
	assert.False(t, underRoot("/mnt-backup", "/mnt"))
}
