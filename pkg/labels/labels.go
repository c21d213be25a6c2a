package labels

import (
	"encoding/csv"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/diskwatcher/diskwatcher/pkg/types"
)

// humanIDMaxLen clamps derived anchors to printable label width.
const humanIDMaxLen = 12

// ExportColumns is the stable column order for label exports, after the
// label_index and human_id anchors.
var ExportColumns = []string{
	"volume_id",
	"directory",
	"mount_label",
	"mount_uuid",
	"mount_volume_id",
	"mount_device",
	"lsblk_ptuuid",
	"lsblk_partuuid",
	"lsblk_wwn",
	"lsblk_model",
	"lsblk_serial",
	"lsblk_vendor",
	"lsblk_size",
	"usage_total_bytes",
	"usage_used_bytes",
	"usage_free_bytes",
}

var hexRunRe = regexp.MustCompile(`[0-9a-fA-F]+`)

// idSource picks the most persistent identifier available for a volume.
func idSource(v types.Volume) string {
	for _, candidate := range []*string{v.LsblkPartUUID, v.LsblkPTUUID, v.MountUUID} {
		if candidate != nil && *candidate != "" {
			return *candidate
		}
	}
	return v.VolumeID
}

// HumanID derives a short printable anchor for a volume, preferring
// partition UUIDs over filesystem UUIDs over the composite volume id.
// Composite ids are reduced to their last hex run, dashed identifiers keep
// enough trailing segments to stay recognizable, and the result is clamped
// to its tail so the anchor is stable across exports.
func HumanID(v types.Volume) string {
	token := strings.TrimSpace(idSource(v))
	if token == "" {
		return ""
	}

	if strings.ContainsAny(token, "=|") {
		if chunks := hexRunRe.FindAllString(token, -1); len(chunks) > 0 {
			token = chunks[len(chunks)-1]
		}
	}

	if strings.Contains(token, "-") {
		var parts []string
		for _, p := range strings.Split(token, "-") {
			if p != "" {
				parts = append(parts, p)
			}
		}
		if len(parts) > 0 {
			acc := parts[len(parts)-1]
			for i := len(parts) - 2; len(acc) < 6 && i >= 0; i-- {
				acc = parts[i] + "-" + acc
			}
			token = acc
		}
	}

	if len(token) > humanIDMaxLen {
		token = token[len(token)-humanIDMaxLen:]
	}
	return token
}

// Row is one label-export record keyed by column name. Header returns the
// matching column order.
type Row map[string]any

// Header is the full export column order.
func Header() []string {
	return append([]string{"label_index", "human_id"}, ExportColumns...)
}

// BuildRows converts volume records to label rows. A volume's persisted
// label_index wins; volumes without one fall back to their 1-based
// position in the input.
func BuildRows(volumes []types.Volume) []Row {
	rows := make([]Row, 0, len(volumes))
	for i, v := range volumes {
		index := int64(i + 1)
		if v.LabelIndex != nil && *v.LabelIndex != 0 {
			index = *v.LabelIndex
		}

		row := Row{
			"label_index":       index,
			"human_id":          HumanID(v),
			"volume_id":         v.VolumeID,
			"directory":         v.Directory,
			"mount_label":       strOrNil(v.MountLabel),
			"mount_uuid":        strOrNil(v.MountUUID),
			"mount_volume_id":   strOrNil(v.MountVolumeID),
			"mount_device":      strOrNil(v.MountDevice),
			"lsblk_ptuuid":      strOrNil(v.LsblkPTUUID),
			"lsblk_partuuid":    strOrNil(v.LsblkPartUUID),
			"lsblk_wwn":         strOrNil(v.LsblkWWN),
			"lsblk_model":       strOrNil(v.LsblkModel),
			"lsblk_serial":      strOrNil(v.LsblkSerial),
			"lsblk_vendor":      strOrNil(v.LsblkVendor),
			"lsblk_size":        strOrNil(v.LsblkSize),
			"usage_total_bytes": intOrNil(v.UsageTotalBytes),
			"usage_used_bytes":  intOrNil(v.UsageUsedBytes),
			"usage_free_bytes":  intOrNil(v.UsageFreeBytes),
		}
		rows = append(rows, row)
	}
	return rows
}

// WriteCSV streams label rows as CSV with the export header.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	header := Header()
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, row := range rows {
		record := make([]string, len(header))
		for i, col := range header {
			record[i] = cellString(row[col])
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func cellString(v any) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

func strOrNil(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func intOrNil(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}
