// Package lineproto encodes control command records into the line-protocol
// wire format expected by the time-series command sinks:
//
//	<measurement>,<tag=key,...> <field=val,...> <nanosecond-timestamp>
//
// The sink requires a numeric `value` field on every point. Tag values
// escape spaces and commas; quoted string fields escape embedded quotes.
package lineproto

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/veridian-controls/bmscore/internal/types"
)

// Point is one encodable line-protocol record.
type Point struct {
	Measurement string
	Tags        map[string]string
	Value       types.FieldValue
	Status      string
	Details     string
	Timestamp   time.Time
}

// CommandMeasurement is the measurement for control command history.
const CommandMeasurement = "ControlCommands"

// UICommandMeasurement is the measurement mirrored for allow-listed
// user-facing command types.
const UICommandMeasurement = "UICommands"

// FromCommand builds the point for a control command record.
func FromCommand(cmd *types.ControlCommand) *Point {
	return &Point{
		Measurement: CommandMeasurement,
		Tags: map[string]string{
			"equipment_id": cmd.EquipmentID,
			"location_id":  cmd.SiteID,
			"command_type": cmd.CommandType,
			"source":       string(cmd.Source),
			"user_id":      cmd.UserID,
			"user_name":    cmd.UserName,
		},
		Value:     cmd.Value,
		Status:    string(cmd.Status),
		Details:   cmd.Details,
		Timestamp: cmd.IssuedAt,
	}
}

// Encode renders the point as a single line without a trailing newline.
func (p *Point) Encode() string {
	var b strings.Builder
	b.WriteString(p.Measurement)

	keys := make([]string, 0, len(p.Tags))
	for k, v := range p.Tags {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte(',')
		b.WriteString(escapeTag(k))
		b.WriteByte('=')
		b.WriteString(escapeTag(p.Tags[k]))
	}

	b.WriteByte(' ')
	b.WriteString(encodeFields(p))

	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(p.Timestamp.UnixNano(), 10))

	return b.String()
}

// encodeFields renders the field set. The numeric `value` field is always
// present; string_value, status and details follow when non-empty.
func encodeFields(p *Point) string {
	parts := make([]string, 0, 4)

	numeric, stringValue := encodeValue(p.Value, p.Timestamp)
	parts = append(parts, "value="+strconv.FormatFloat(numeric, 'f', -1, 64))
	if stringValue != "" {
		parts = append(parts, `string_value=`+quote(stringValue))
	}
	if p.Status != "" {
		parts = append(parts, `status=`+quote(p.Status))
	}
	if p.Details != "" {
		parts = append(parts, `details=`+quote(p.Details))
	}

	return strings.Join(parts, ",")
}

// encodeValue maps a field value to the sink's numeric + string pair:
// numbers carry only the numeric field; booleans carry 0/1 plus
// "true"/"false"; numeric-looking strings carry both representations;
// other strings get a timestamp-derived numeric placeholder.
func encodeValue(v types.FieldValue, ts time.Time) (float64, string) {
	switch v.Kind {
	case types.FieldNumber:
		return v.Num, ""
	case types.FieldBool:
		if v.Bool {
			return 1, "true"
		}
		return 0, "false"
	case types.FieldString:
		if n, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64); err == nil {
			return n, v.Str
		}
		return placeholder(ts), v.Str
	}
	return placeholder(ts), ""
}

// EncodeObject renders an arbitrary payload as a point with the JSON text
// in string_value and the timestamp-derived numeric placeholder.
func EncodeObject(measurement string, tags map[string]string, payload any, ts time.Time) (*Point, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode object payload: %w", err)
	}
	return &Point{
		Measurement: measurement,
		Tags:        tags,
		Value:       types.String(string(raw)),
		Timestamp:   ts,
	}, nil
}

// placeholder is the numeric stand-in the sink requires when the real value
// is not numeric: unix seconds mod 1e6.
func placeholder(ts time.Time) float64 {
	return float64(ts.Unix() % 1_000_000)
}

func escapeTag(s string) string {
	s = strings.ReplaceAll(s, ",", `\,`)
	s = strings.ReplaceAll(s, " ", `\ `)
	return s
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}
