package domain

// CounterRecord tracks the approximate number of live rules.
//
// Count is advisory: it is read and written without any lock, so concurrent
// admissions can leave it slightly off. It only decides when eviction starts.
// Sequence is the last rule number handed out and never goes down.
type CounterRecord struct {
	Count    int64  `json:"count"`
	Sequence int64  `json:"sequence"`
	LastDate string `json:"lastDate"`
}

// Item converts the counter into its storage shape.
func (c *CounterRecord) Item() *Item {
	return &Item{
		PK:       CounterKey,
		Rule:     c.Count,
		Sequence: c.Sequence,
		Date:     c.LastDate,
	}
}

// CounterFromItem converts a stored item back into a counter.
func CounterFromItem(item *Item) *CounterRecord {
	c := &CounterRecord{
		Count:    item.Rule,
		Sequence: item.Sequence,
		LastDate: item.Date,
	}
	if c.Count < 0 {
		c.Count = 0
	}
	return c
}
