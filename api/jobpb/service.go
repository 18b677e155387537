package jobpb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	ServiceName          = "jobstream.JobService"
	SubmitFullMethodName = "/jobstream.JobService/Submit"
)

// JobServiceServer is the server API for JobService.
type JobServiceServer interface {
	// Submit runs a job and streams its results back, ending with a
	// terminal item.
	Submit(*JobRequest, JobService_SubmitServer) error
}

// UnimplementedJobServiceServer can be embedded for forward compatibility.
type UnimplementedJobServiceServer struct{}

func (UnimplementedJobServiceServer) Submit(*JobRequest, JobService_SubmitServer) error {
	return status.Errorf(codes.Unimplemented, "method Submit not implemented")
}

// JobService_SubmitServer is the server side of a Submit stream.
type JobService_SubmitServer interface {
	Send(*JobResponse) error
	grpc.ServerStream
}

type jobServiceSubmitServer struct {
	grpc.ServerStream
}

func (x *jobServiceSubmitServer) Send(m *JobResponse) error {
	return x.ServerStream.SendMsg(m)
}

func _JobService_Submit_Handler(srv any, stream grpc.ServerStream) error {
	m := new(JobRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(JobServiceServer).Submit(m, &jobServiceSubmitServer{stream})
}

// JobService_ServiceDesc is the grpc.ServiceDesc for JobService.
var JobService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*JobServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Submit",
			Handler:       _JobService_Submit_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "jobstream/job_service",
}

// RegisterJobServiceServer registers srv on s.
func RegisterJobServiceServer(s grpc.ServiceRegistrar, srv JobServiceServer) {
	s.RegisterService(&JobService_ServiceDesc, srv)
}

// JobServiceClient is the client API for JobService.
type JobServiceClient interface {
	Submit(ctx context.Context, in *JobRequest, opts ...grpc.CallOption) (JobService_SubmitClient, error)
}

type jobServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewJobServiceClient returns a client whose calls are encoded with the cbor
// codec.
func NewJobServiceClient(cc grpc.ClientConnInterface) JobServiceClient {
	return &jobServiceClient{cc}
}

func (c *jobServiceClient) Submit(ctx context.Context, in *JobRequest, opts ...grpc.CallOption) (JobService_SubmitClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &JobService_ServiceDesc.Streams[0], SubmitFullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	x := &jobServiceSubmitClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// JobService_SubmitClient is the client side of a Submit stream.
type JobService_SubmitClient interface {
	Recv() (*JobResponse, error)
	grpc.ClientStream
}

type jobServiceSubmitClient struct {
	grpc.ClientStream
}

func (x *jobServiceSubmitClient) Recv() (*JobResponse, error) {
	m := new(JobResponse)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
