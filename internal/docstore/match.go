package docstore

import (
	"bytes"
	"reflect"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
)

// Matcher evaluates a top-level equality query against decoded
// documents. Backends without a native query engine use it.
type Matcher struct {
	query bson.M
}

// NewMatcher validates query and prepares it for matching. Query values
// are passed through the bson codec so they compare like stored values.
func NewMatcher(query bson.M) (*Matcher, error) {
	if len(query) == 0 {
		return &Matcher{}, nil
	}
	for key, value := range query {
		if strings.HasPrefix(key, "$") || hasOperator(value) {
			return nil, errors.Annotatef(ErrUnsupportedQuery, "field %q", key)
		}
	}
	raw, err := bson.Marshal(query)
	if err != nil {
		return nil, errors.Annotate(err, "encoding query")
	}
	var normalized bson.M
	if err := bson.Unmarshal(raw, &normalized); err != nil {
		return nil, errors.Annotate(err, "decoding query")
	}
	return &Matcher{query: normalized}, nil
}

// Match reports whether doc satisfies every field of the query. A
// missing field matches only a nil query value.
func (m *Matcher) Match(doc bson.M) bool {
	for key, want := range m.query {
		got, ok := doc[key]
		if !ok {
			if want != nil {
				return false
			}
			continue
		}
		if !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

func hasOperator(value any) bool {
	switch v := value.(type) {
	case bson.M:
		for key := range v {
			if strings.HasPrefix(key, "$") {
				return true
			}
		}
	case map[string]any:
		for key := range v {
			if strings.HasPrefix(key, "$") {
				return true
			}
		}
	case bson.D:
		for _, elem := range v {
			if strings.HasPrefix(elem.Name, "$") {
				return true
			}
		}
	}
	return false
}

func valuesEqual(a, b any) bool {
	if ai, ok := asInt64(a); ok {
		if bi, ok := asInt64(b); ok {
			return ai == bi
		}
	}
	if af, ok := asFloat64(a); ok {
		if bf, ok := asFloat64(b); ok {
			return af == bf
		}
	}
	switch av := a.(type) {
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	}
	return reflect.DeepEqual(a, b)
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

func asFloat64(v any) (float64, bool) {
	if n, ok := asInt64(v); ok {
		return float64(n), true
	}
	if f, ok := v.(float64); ok {
		return f, true
	}
	return 0, false
}
