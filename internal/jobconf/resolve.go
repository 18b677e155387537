package jobconf

import "github.com/ChuLiYu/jobstream/api/jobpb"

// Resolve merges a wire configuration onto def. Each field overrides the
// default only when it is set (non-zero, or true for the trace flag).
// Resolution never fails.
func Resolve(req *jobpb.JobConfig, def JobConf) JobConf {
	conf := def
	if def.Servers.Servers != nil {
		conf.Servers.Servers = append([]uint64(nil), def.Servers.Servers...)
	}
	if req == nil {
		return conf
	}

	if req.JobName != "" {
		conf.JobName = req.JobName
	}
	if req.JobID != 0 {
		conf.JobID = req.JobID
	}
	if req.Workers != 0 {
		conf.Workers = req.Workers
	}
	if req.TimeLimit != 0 {
		conf.TimeLimit = req.TimeLimit
	}
	if req.BatchSize != 0 {
		conf.BatchSize = req.BatchSize
	}
	if req.BatchCapacity != 0 {
		conf.BatchCapacity = req.BatchCapacity
	}
	// tracing implies plan visibility
	if req.TraceEnable {
		conf.TraceEnable = true
		conf.PlanPrint = true
	}

	if s := req.GetServers(); s != nil {
		switch {
		case s.Local != nil:
			conf.ResetServers(ServerConf{Kind: Local})
		case s.Part != nil:
			if len(s.Part.Servers) > 0 {
				conf.ResetServers(ServerConf{Kind: Partial, Servers: s.Part.Servers})
			}
		case s.All != nil:
			conf.ResetServers(ServerConf{Kind: All})
		}
	}
	return conf
}
