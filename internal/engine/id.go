package engine

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// ParseID validates a record id. Ids are integers of at least 1; numeric
// strings and integral floats (JSON numbers) are accepted.
func ParseID(raw any) (int64, error) {
	var id int64
	switch v := raw.(type) {
	case nil:
		return 0, InvalidIDError("id is required")
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, InvalidIDError("id is required")
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, InvalidIDError("id must be a valid integer")
		}
		id = n
	case int:
		id = int64(v)
	case int32:
		id = int64(v)
	case int64:
		id = v
	case float64:
		// float64(math.MaxInt64) rounds up to 2^63, so >= rejects it.
		if math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) || v >= math.MaxInt64 || v < math.MinInt64 {
			return 0, InvalidIDError("id must be a valid integer")
		}
		id = int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, InvalidIDError("id must be a valid integer")
		}
		id = n
	default:
		return 0, InvalidIDError("id must be a valid integer")
	}

	if id < 1 {
		return 0, InvalidIDError("id must be at least 1")
	}
	return id, nil
}
