package patterns

import (
	"database/sql/driver"
	"fmt"

	sqlite "modernc.org/sqlite"
)

func init() {
	// Same name and semantics as the sqlite-vec function so queries are driver independent.
	_ = sqlite.RegisterDeterministicScalarFunction("vec_distance_cosine", 2, vecDistanceCosine)
}

func vecDistanceCosine(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("vec_distance_cosine expects 2 arguments")
	}
	a, ok := args[0].([]byte)
	if !ok {
		return nil, fmt.Errorf("vec_distance_cosine: expected blob, got %T", args[0])
	}
	b, ok := args[1].([]byte)
	if !ok {
		return nil, fmt.Errorf("vec_distance_cosine: expected blob, got %T", args[1])
	}
	if len(a) != len(b) {
		return nil, fmt.Errorf("vec_distance_cosine: dimension mismatch %d vs %d", len(a)/4, len(b)/4)
	}
	return 1 - CosineSimilarity(decodeVector(a), decodeVector(b)), nil
}
