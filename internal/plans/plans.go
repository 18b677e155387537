// Package plans implements the jobs this server can run without an external
// planner. A plan is a CBOR map {op, key, desc}; the input is a CBOR array.
//
//	echo   emit the values unchanged
//	sort   emit the values ordered, optionally by a map field
//	count  emit how many values there are, optionally only those with a field
//
// Worker i of N owns the values at positions i, i+N, i+2N, ... and emits its
// results in lists of at most batch_size values.
package plans

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/jobstream/internal/dataflow"
)

// Supported operations.
const (
	OpEcho  = "echo"
	OpSort  = "sort"
	OpCount = "count"
)

// ErrEmptyPlan is returned when the plan section is missing.
var ErrEmptyPlan = errors.New("empty plan")

// Plan is the decoded plan section.
type Plan struct {
	Op   string `cbor:"op" yaml:"op"`
	Key  string `cbor:"key,omitempty" yaml:"key,omitempty"`
	Desc bool   `cbor:"desc,omitempty" yaml:"desc,omitempty"`
}

var decMode cbor.DecMode

func init() {
	var err error
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Parser is the dataflow.Parser for built-in jobs.
type Parser struct{}

var _ dataflow.Parser = Parser{}

// Accept decodes the plan and input. Any decoding problem rejects the job.
func (Parser) Accept(desc dataflow.JobDesc) (dataflow.Job, error) {
	if len(desc.Plan) == 0 {
		return nil, ErrEmptyPlan
	}
	var p Plan
	if err := decMode.Unmarshal(desc.Plan, &p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	switch p.Op {
	case OpEcho, OpSort, OpCount:
	default:
		return nil, fmt.Errorf("unsupported op %q", p.Op)
	}

	var input []any
	if len(desc.Input) > 0 {
		if err := decMode.Unmarshal(desc.Input, &input); err != nil {
			return nil, fmt.Errorf("decode input: %w", err)
		}
	}
	for i, v := range input {
		nv, err := normalize(v)
		if err != nil {
			return nil, fmt.Errorf("input[%d]: %w", i, err)
		}
		input[i] = nv
	}
	return &job{plan: p, input: input}, nil
}

// EncodePlan is a helper for clients building a plan section.
func EncodePlan(p Plan) ([]byte, error) { return cbor.Marshal(p) }

// EncodeInput is a helper for clients building an input section.
func EncodeInput(values []any) ([]byte, error) { return cbor.Marshal(values) }

type job struct {
	plan  Plan
	input []any
}

func (j *job) String() string {
	s := j.plan.Op
	if j.plan.Key != "" {
		s += "(key=" + j.plan.Key + ")"
	}
	if j.plan.Desc {
		s += " desc"
	}
	return fmt.Sprintf("%s over %d values", s, len(j.input))
}

// Run processes the partition owned by w.
func (j *job) Run(ctx context.Context, w dataflow.WorkerInfo, out dataflow.Emitter) error {
	part := partition(j.input, w.Index, w.Peers)

	switch j.plan.Op {
	case OpCount:
		var n int64
		for _, v := range part {
			if j.plan.Key == "" || hasKey(v, j.plan.Key) {
				n++
			}
		}
		out.Send(wrapperspb.Int64(n))
		return nil
	case OpSort:
		sort.SliceStable(part, func(a, b int) bool {
			c := compare(j.field(part[a]), j.field(part[b]))
			if j.plan.Desc {
				return c > 0
			}
			return c < 0
		})
	}
	return emitBatches(ctx, part, w.BatchSize, out)
}

func (j *job) field(v any) any {
	if j.plan.Key == "" {
		return v
	}
	if m, ok := v.(map[string]any); ok {
		return m[j.plan.Key]
	}
	return nil
}

func partition(values []any, index, peers int) []any {
	if peers <= 1 {
		return append([]any(nil), values...)
	}
	var part []any
	for i := index; i < len(values); i += peers {
		part = append(part, values[i])
	}
	return part
}

func emitBatches(ctx context.Context, values []any, size int, out dataflow.Emitter) error {
	if size <= 0 {
		size = len(values)
	}
	for start := 0; start < len(values); start += size {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+size, len(values))
		list, err := structpb.NewList(values[start:end])
		if err != nil {
			return fmt.Errorf("build batch: %w", err)
		}
		out.Send(list)
	}
	return nil
}

func hasKey(v any, key string) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	_, ok = m[key]
	return ok
}

// normalize converts decoded CBOR into types structpb accepts.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool, string, float64, int64, uint64, []byte:
		return t, nil
	case float32:
		return float64(t), nil
	case []any:
		for i := range t {
			nv, err := normalize(t[i])
			if err != nil {
				return nil, err
			}
			t[i] = nv
		}
		return t, nil
	case map[string]any:
		for k := range t {
			nv, err := normalize(t[k])
			if err != nil {
				return nil, err
			}
			t[k] = nv
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// rank orders values of different kinds: nil < bool < number < string < other.
func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case int64, uint64, float64:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}

func number(v any) float64 {
	switch t := v.(type) {
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	case float64:
		return t
	}
	return 0
}

func compare(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	switch ra {
	case 1:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	case 2:
		x, y := number(a), number(b)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	case 3:
		x, y := a.(string), b.(string)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}
