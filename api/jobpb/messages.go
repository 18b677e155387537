// Package jobpb defines the wire messages and gRPC bindings of the job
// submission service.
package jobpb

// Empty marks a selected topology variant that carries no data.
type Empty struct{}

// ServerList is an ordered list of server identifiers.
type ServerList struct {
	Servers []uint64 `cbor:"servers,omitempty"`
}

// Servers selects the cluster topology of a job. At most one field is set.
type Servers struct {
	Local *Empty      `cbor:"local,omitempty"`
	Part  *ServerList `cbor:"part,omitempty"`
	All   *Empty      `cbor:"all,omitempty"`
}

// JobConfig is the client-supplied override set for a job. Zero values mean
// "use the server default".
type JobConfig struct {
	JobName       string   `cbor:"job_name"`
	JobID         uint64   `cbor:"job_id,omitempty"`
	Workers       uint32   `cbor:"workers,omitempty"`
	TimeLimit     uint64   `cbor:"time_limit,omitempty"`
	BatchSize     uint32   `cbor:"batch_size,omitempty"`
	BatchCapacity uint32   `cbor:"batch_capacity,omitempty"`
	TraceEnable   bool     `cbor:"trace_enable,omitempty"`
	Servers       *Servers `cbor:"servers,omitempty"`
}

// BinaryResource wraps an opaque byte blob.
type BinaryResource struct {
	Resource []byte `cbor:"resource"`
}

// JobRequest submits one job.
type JobRequest struct {
	Conf     *JobConfig      `cbor:"conf,omitempty"`
	Source   *BinaryResource `cbor:"source,omitempty"`
	Plan     *BinaryResource `cbor:"plan,omitempty"`
	Resource *BinaryResource `cbor:"resource,omitempty"`
}

// Terminal is the final status of a job's response stream.
type Terminal struct {
	Success bool   `cbor:"success"`
	Message string `cbor:"message"`
}

// JobResponse is one item of a job's response stream. Exactly one of Res and
// Status is set.
type JobResponse struct {
	JobID  uint64          `cbor:"job_id"`
	Res    *BinaryResource `cbor:"res,omitempty"`
	Status *Terminal       `cbor:"status,omitempty"`
}

// IsTerminal reports whether the item ends the stream.
func (r *JobResponse) IsTerminal() bool { return r != nil && r.Status != nil }

func (r *JobRequest) GetConf() *JobConfig {
	if r == nil {
		return nil
	}
	return r.Conf
}

func (b *BinaryResource) GetResource() []byte {
	if b == nil {
		return nil
	}
	return b.Resource
}

func (c *JobConfig) GetServers() *Servers {
	if c == nil {
		return nil
	}
	return c.Servers
}
