package cid

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

const (
	AlarmTypeIntrusion = "intrusion"
	AlarmTypeFire      = "fire"
	AlarmTypeFlood     = "flood"
	AlarmTypeOther     = "other"
	AlarmTypeSystem    = "system"
)

const (
	SeverityCritical = "critical"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
	SeverityNone     = "none"
)

type Classification struct {
	AlarmType   string `json:"alarm_type"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// Table maps Contact-ID codes to classifications. A nil entry marks a known
// housekeeping code (arm/disarm confirmations, bypass, test reports) that
// must never produce an alert. The table is immutable after construction.
type Table struct {
	entries map[int]*Classification
	strict  bool
}

// defaultEntries covers the Contact-ID codes the panels emit in practice.
// Trouble reports (3xx) classify as system events; explicit nil rows are
// housekeeping.
var defaultEntries = map[int]*Classification{
	100: {AlarmType: AlarmTypeOther, Severity: SeverityCritical, Description: "medical emergency"},
	110: {AlarmType: AlarmTypeFire, Severity: SeverityCritical, Description: "fire alarm"},
	111: {AlarmType: AlarmTypeFire, Severity: SeverityCritical, Description: "smoke detected"},
	115: {AlarmType: AlarmTypeFire, Severity: SeverityCritical, Description: "fire pull station"},
	120: {AlarmType: AlarmTypeOther, Severity: SeverityCritical, Description: "panic alarm"},
	121: {AlarmType: AlarmTypeOther, Severity: SeverityCritical, Description: "duress"},
	130: {AlarmType: AlarmTypeIntrusion, Severity: SeverityCritical, Description: "burglary"},
	131: {AlarmType: AlarmTypeIntrusion, Severity: SeverityCritical, Description: "perimeter breach"},
	132: {AlarmType: AlarmTypeIntrusion, Severity: SeverityCritical, Description: "interior breach"},
	134: {AlarmType: AlarmTypeIntrusion, Severity: SeverityMedium, Description: "entry/exit zone"},
	137: {AlarmType: AlarmTypeIntrusion, Severity: SeverityMedium, Description: "tamper"},
	139: {AlarmType: AlarmTypeIntrusion, Severity: SeverityCritical, Description: "verified intrusion"},
	151: {AlarmType: AlarmTypeOther, Severity: SeverityCritical, Description: "gas detected"},
	154: {AlarmType: AlarmTypeFlood, Severity: SeverityMedium, Description: "water leakage"},
	158: {AlarmType: AlarmTypeOther, Severity: SeverityMedium, Description: "high temperature"},
	159: {AlarmType: AlarmTypeOther, Severity: SeverityLow, Description: "low temperature"},
	301: {AlarmType: AlarmTypeSystem, Severity: SeverityLow, Description: "AC power loss"},
	302: {AlarmType: AlarmTypeSystem, Severity: SeverityLow, Description: "low system battery"},
	311: {AlarmType: AlarmTypeSystem, Severity: SeverityLow, Description: "battery missing"},
	333: {AlarmType: AlarmTypeSystem, Severity: SeverityMedium, Description: "expansion module failure"},
	351: {AlarmType: AlarmTypeSystem, Severity: SeverityMedium, Description: "telco line fault"},
	384: {AlarmType: AlarmTypeSystem, Severity: SeverityLow, Description: "RF sensor low battery"},
	401: nil, // open/close by user
	403: nil, // automatic open/close
	406: nil, // alarm cancel
	441: nil, // armed stay
	570: nil, // zone bypass
	601: nil, // manual test report
	602: nil, // periodic test report
	616: nil, // service request
}

func Default(strict bool) *Table {
	return &Table{entries: defaultEntries, strict: strict}
}

// Load reads a JSON override file of the form {"130": {...}, "602": null}
// and merges it over the built-in table. Entries in the file win.
func Load(path string, strict bool) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]*Classification
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse cid table %s: %w", path, err)
	}
	merged := make(map[int]*Classification, len(defaultEntries)+len(raw))
	for code, entry := range defaultEntries {
		merged[code] = entry
	}
	for key, entry := range raw {
		code, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("parse cid table %s: invalid code %q", path, key)
		}
		merged[code] = entry
	}
	return &Table{entries: merged, strict: strict}, nil
}

// Classify resolves a code. nil means housekeeping: record for audit at most,
// never alert. In strict mode unknown codes come back as a low-severity
// catch-all so they surface for manual review instead of vanishing.
func (t *Table) Classify(code int) *Classification {
	entry, known := t.entries[code]
	if known {
		return entry
	}
	if t.strict {
		return &Classification{AlarmType: AlarmTypeOther, Severity: SeverityLow, Description: "unclassified contact-id code"}
	}
	return nil
}

func (t *Table) Known(code int) bool {
	_, ok := t.entries[code]
	return ok
}
