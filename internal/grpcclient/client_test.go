package grpcclient

import (
	"context"
	"net"
	"testing"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/cropscan/internal/apperr"
)

type fakeAnalyzer struct {
	received *structpb.Struct
	reply    map[string]any
	err      error
}

func (f *fakeAnalyzer) process(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	f.received = in
	if f.err != nil {
		return nil, f.err
	}
	return structpb.NewStruct(f.reply)
}

var analyzerServiceDesc = grpc.ServiceDesc{
	ServiceName: "cropscan.analysis.v1.Analyzer",
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Procesar",
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
			in := &structpb.Struct{}
			if err := dec(in); err != nil {
				return nil, err
			}
			return srv.(*fakeAnalyzer).process(ctx, in)
		},
	}},
}

func startAnalyzer(t *testing.T, fake *fakeAnalyzer) grpc.DialOption {
	t.Helper()
	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	server.RegisterService(&analyzerServiceDesc, fake)
	go func() {
		_ = server.Serve(listener)
	}()
	t.Cleanup(server.Stop)

	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.DialContext(ctx)
	})
}

func TestUploadOverGRPCNormalizesStruct(t *testing.T) {
	fake := &fakeAnalyzer{reply: map[string]any{
		"exitoso": true,
		"mensaje": "ok",
		"clasificacion": map[string]any{
			"prediction": "Harvest Stage",
			"score":      0.88,
			"extra":      map[string]any{"class_index": 1, "raw_output": []any{0.88, 0.12}, "tiempo_ms": 80},
		},
		"segmentacion": map[string]any{"num_masks": 2, "segmented_image_base64": "UE5H", "success": true},
	}}
	dialer := startAnalyzer(t, fake)

	client, conn, err := DialAnalyzer(context.Background(), "bufnet", zap.NewNop(), dialer)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	result, err := client.Upload(context.Background(), "QUJD", "image/png")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Classification.Prediction != "Harvest Stage" || result.Classification.Extra.ClassIndex != 1 {
		t.Fatalf("unexpected classification: %+v", result.Classification)
	}
	if result.Segmentation.NumMasks != 2 || result.PreviewURI != "data:image/png;base64,QUJD" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got := fake.received.GetFields()["imageBase64"].GetStringValue(); got != "QUJD" {
		t.Fatalf("unexpected request payload: %q", got)
	}
	if got := fake.received.GetFields()["dataUri"].GetStringValue(); got != "data:image/png;base64,QUJD" {
		t.Fatalf("unexpected data uri: %q", got)
	}
}

func TestUploadOverGRPCClassifiesStatus(t *testing.T) {
	fake := &fakeAnalyzer{err: status.Error(codes.InvalidArgument, "imagen invalida")}
	dialer := startAnalyzer(t, fake)

	client, conn, err := DialAnalyzer(context.Background(), "bufnet", zap.NewNop(), dialer)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	_, err = client.Upload(context.Background(), "QUJD", "image/jpeg")
	if !apperr.Is(err, apperr.HTTPError) {
		t.Fatalf("expected http_error kind, got %v", err)
	}
	if err.Error() != "gRPC InvalidArgument: imagen invalida" {
		t.Fatalf("unexpected message: %q", err.Error())
	}

	fake.err = status.Error(codes.Unavailable, "restarting")
	_, err = client.Upload(context.Background(), "QUJD", "image/jpeg")
	if !apperr.Is(err, apperr.NetworkFailure) {
		t.Fatalf("expected network failure, got %v", err)
	}
}
