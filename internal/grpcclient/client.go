package grpcclient

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/cropscan/internal/analysis"
	"github.com/example/cropscan/internal/apperr"
	"github.com/example/cropscan/internal/imageutil"
	"github.com/example/cropscan/internal/logging"
)

// ProcessMethod is the unary method exposed by gRPC analysis backends. Request and response
// are google.protobuf.Struct values carrying the same fields as the JSON contract.
const ProcessMethod = "/cropscan.analysis.v1.Analyzer/Procesar"

// DialAnalyzer returns a ready-to-use analysis client for a gRPC backend.
func DialAnalyzer(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (analysis.Client, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_analyzer", "", err)
		logger.Error("failed to dial analysis backend", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return &grpcAnalyzer{conn: conn, logger: logger.Named("analysis_grpc_client")}, conn, nil
}

type grpcAnalyzer struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

func (g *grpcAnalyzer) Upload(ctx context.Context, b64, mime string) (*analysis.UploadResult, error) {
	if mime == "" {
		mime = imageutil.MimeJPEG
	}
	req, err := structpb.NewStruct(map[string]any{
		"imageBase64":  b64,
		"imagenBase64": b64,
		"mime":         mime,
		"dataUri":      imageutil.DataURI(mime, b64),
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.NetworkFailure, "grpcclient.upload", err)
	}

	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, ProcessMethod, req, resp); err != nil {
		wrapped := classify(err)
		g.logger.Error("analysis backend call failed", zap.Error(wrapped))
		return nil, wrapped
	}
	return analysis.Normalize(resp.AsMap(), b64, mime), nil
}

func classify(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return apperr.Wrap(apperr.NetworkFailure, "grpcclient.upload", err)
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return apperr.Wrap(apperr.NetworkFailure, "grpcclient.upload", err)
	default:
		return &apperr.Error{
			Kind:    apperr.HTTPError,
			Op:      "grpcclient.upload",
			Message: fmt.Sprintf("gRPC %s: %s", st.Code(), st.Message()),
			Status:  int(st.Code()),
			Body:    st.Message(),
			Err:     err,
		}
	}
}
