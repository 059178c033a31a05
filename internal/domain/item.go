package domain

// Reserved keys in the single-table keyed store.
const (
	SetupKey      = "setup"
	CounterKey    = "numberips"
	RuleKeyPrefix = "cidr#"
)

// Item is the storage shape shared by every record in the keyed store.
// Rule, counter and setup records each use a subset of the columns.
type Item struct {
	PK             string `json:"pk" db:"pk"`
	Country        string `json:"country,omitempty" db:"country"`
	EventType      string `json:"type,omitempty" db:"event_type"`
	Date           string `json:"date,omitempty" db:"date"`
	Rule           int64  `json:"rule" db:"rule"`
	Sequence       int64  `json:"sequence,omitempty" db:"sequence"`
	GlobalMirror   string `json:"ipsetGlobal,omitempty" db:"global_mirror"`
	RegionalMirror string `json:"ipsetRegional,omitempty" db:"regional_mirror"`
}

// RuleKey returns the store key for a blocked prefix.
func RuleKey(prefix string) string {
	return RuleKeyPrefix + prefix
}
