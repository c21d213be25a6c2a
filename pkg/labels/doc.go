// Package labels derives short human-friendly anchors for cataloged
// volumes and shapes volume records into stable export rows for physical
// drive labeling, as CSV or over the dashboard API.
package labels
