package client

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/jobstream/api/jobpb"
	"github.com/ChuLiYu/jobstream/internal/plans"
)

// JobFile is the YAML description of a job used by the submit command.
//
//	job_name: sort-ages
//	workers: 4
//	time_limit: 30s
//	batch_size: 100
//	servers: all          # local | all | [5, 7]
//	plan: {op: sort, key: age}
//	input:
//	  - {name: a, age: 30}
type JobFile struct {
	JobName       string        `yaml:"job_name"`
	JobID         uint64        `yaml:"job_id"`
	Workers       uint32        `yaml:"workers"`
	TimeLimit     time.Duration `yaml:"time_limit"`
	BatchSize     uint32        `yaml:"batch_size"`
	BatchCapacity uint32        `yaml:"batch_capacity"`
	Trace         bool          `yaml:"trace"`
	Servers       Topology      `yaml:"servers"`
	Plan          plans.Plan    `yaml:"plan"`
	Input         []any         `yaml:"input"`
	Resource      string        `yaml:"resource"` // base64
}

// Topology is the servers selector of a job file. The zero value leaves the
// server default in place.
type Topology struct {
	Kind    string
	Servers []uint64
}

// UnmarshalYAML accepts "local", "all" or a list of server ids.
func (t *Topology) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		switch k := strings.ToLower(value.Value); k {
		case "local", "all":
			t.Kind = k
			return nil
		default:
			return fmt.Errorf("line %d: unknown servers value %q", value.Line, value.Value)
		}
	case yaml.SequenceNode:
		var ids []uint64
		if err := value.Decode(&ids); err != nil {
			return err
		}
		t.Kind = "partial"
		t.Servers = ids
		return nil
	default:
		return fmt.Errorf("line %d: servers must be local, all or a list of ids", value.Line)
	}
}

func (t Topology) wire() *jobpb.Servers {
	switch t.Kind {
	case "local":
		return &jobpb.Servers{Local: &jobpb.Empty{}}
	case "all":
		return &jobpb.Servers{All: &jobpb.Empty{}}
	case "partial":
		return &jobpb.Servers{Part: &jobpb.ServerList{Servers: t.Servers}}
	default:
		return nil
	}
}

// LoadJobFile reads and parses a job file.
func LoadJobFile(path string) (*JobFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job file: %w", err)
	}
	var f JobFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse job file %s: %w", path, err)
	}
	if f.JobName == "" {
		return nil, fmt.Errorf("job file %s: job_name is required", path)
	}
	return &f, nil
}

// Request builds the wire request.
func (f *JobFile) Request() (*jobpb.JobRequest, error) {
	req := &jobpb.JobRequest{
		Conf: &jobpb.JobConfig{
			JobName:       f.JobName,
			JobID:         f.JobID,
			Workers:       f.Workers,
			TimeLimit:     uint64(f.TimeLimit / time.Millisecond),
			BatchSize:     f.BatchSize,
			BatchCapacity: f.BatchCapacity,
			TraceEnable:   f.Trace,
			Servers:       f.Servers.wire(),
		},
	}

	if f.Plan.Op != "" {
		plan, err := plans.EncodePlan(f.Plan)
		if err != nil {
			return nil, fmt.Errorf("encode plan: %w", err)
		}
		req.Plan = &jobpb.BinaryResource{Resource: plan}
	}
	if f.Input != nil {
		input, err := plans.EncodeInput(f.Input)
		if err != nil {
			return nil, fmt.Errorf("encode input: %w", err)
		}
		req.Source = &jobpb.BinaryResource{Resource: input}
	}
	if f.Resource != "" {
		res, err := base64.StdEncoding.DecodeString(f.Resource)
		if err != nil {
			return nil, fmt.Errorf("decode resource: %w", err)
		}
		req.Resource = &jobpb.BinaryResource{Resource: res}
	}
	return req, nil
}
