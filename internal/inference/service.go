package inference

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"camrelay/internal/pipeline"
)

const (
	ServiceName = "camrelay.inference.v1.Inference"
	InferMethod = "/" + ServiceName + "/Infer"
)

// Server is the gRPC service implemented on top of a Backend.
type Server interface {
	Infer(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type grpcServer struct {
	backend Backend
}

func (s *grpcServer) Infer(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	frame, err := decodeFrame(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid frame: %v", err)
	}
	result, err := s.backend.Infer(ctx, frame)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, status.Error(codes.DeadlineExceeded, err.Error())
		}
		if errors.Is(err, context.Canceled) {
			return nil, status.Error(codes.Canceled, err.Error())
		}
		return nil, status.Errorf(codes.Unavailable, "inference failed: %v", err)
	}
	out, err := encodeResult(result)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	return out, nil
}

func inferHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Infer(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: InferMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).Infer(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Infer", Handler: inferHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "camrelay/inference/v1/inference.proto",
}

// RegisterServer exposes backend as the inference service on s.
func RegisterServer(s grpc.ServiceRegistrar, backend Backend) {
	s.RegisterService(&serviceDesc, &grpcServer{backend: backend})
}

// NewHTTPHandler serves backend over the HTTP protocol spoken by
// HTTPBackend: POST /infer (multipart "file") and GET /health.
func NewHTTPHandler(backend Backend) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := backend.Check(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "backend": backend.Name()})
	})
	r.Post("/infer", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(maxResponseBytes); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing file"})
			return
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil || len(data) == 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty file"})
			return
		}

		seq, _ := strconv.ParseUint(r.FormValue("frame_sequence"), 10, 64)
		width, _ := strconv.Atoi(r.FormValue("width"))
		height, _ := strconv.Atoi(r.FormValue("height"))
		format := pipeline.PixelFormat(r.FormValue("format"))
		if format == "" {
			format = pipeline.FormatJPEG
		}
		frame := pipeline.Frame{
			StreamID:  r.FormValue("session_id"),
			Seq:       seq,
			Timestamp: time.Now(),
			Format:    format,
			Width:     width,
			Height:    height,
			Data:      data,
		}

		start := time.Now()
		result, err := backend.Infer(r.Context(), frame)
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
		result.Latency = time.Since(start)
		writeJSON(w, http.StatusOK, wireFromResult(result))
	})
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
