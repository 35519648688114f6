package models

import (
	"database/sql/driver"
	"encoding/json"
	"sort"

	"github.com/lib/pq"
)

// SeatNumbers is an ordered set of seat numbers stored as BIGINT[]
type SeatNumbers []int64

// Value implements the driver.Valuer interface
func (s SeatNumbers) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return pq.Int64Array(s).Value()
}

// Scan implements the sql.Scanner interface
func (s *SeatNumbers) Scan(src interface{}) error {
	if src == nil {
		*s = nil
		return nil
	}
	var arr pq.Int64Array
	if err := arr.Scan(src); err != nil {
		return err
	}
	*s = SeatNumbers(arr)
	return nil
}

// Sorted returns a sorted copy
func (s SeatNumbers) Sorted() SeatNumbers {
	out := make(SeatNumbers, len(s))
	copy(out, s)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Intersect returns the seats present in both sets
func (s SeatNumbers) Intersect(other []int64) []int64 {
	held := make(map[int64]struct{}, len(other))
	for _, o := range other {
		held[o] = struct{}{}
	}
	var out []int64
	for _, seat := range s {
		if _, ok := held[seat]; ok {
			out = append(out, seat)
		}
	}
	return out
}

// JSONB is a custom type for handling JSONB fields
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
// Returns JSON as string for compatibility with pgx simple protocol mode
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	bytes, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(bytes), nil
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	}
	return nil
}
