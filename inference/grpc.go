package inference

import (
	"context"
	"encoding/base64"
	"time"

	"driver-hub/common/log"
	"driver-hub/frame"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// gRPC methods on the vision service. Requests and responses are
// google.protobuf.Struct carrying the same fields as the HTTP envelope.
const (
	MethodExtractLandmarks = "/driverhub.Vision/ExtractLandmarks"
	MethodDetectObjects    = "/driverhub.Vision/DetectObjects"
)

// GRPCClient calls the vision service over gRPC.
type GRPCClient struct {
	Addr      string
	ModelType string
	Timeout   time.Duration

	conn *grpc.ClientConn
}

func NewGRPCClient(addr, modelType string, timeout time.Duration) (*GRPCClient, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(16*1024*1024),
			grpc.MaxCallSendMsgSize(16*1024*1024),
		),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "could not create gRPC client for %s", addr)
	}
	log.Info("vision gRPC client ready", log.Fields{"addr": addr})

	return &GRPCClient{Addr: addr, ModelType: modelType, Timeout: timeout, conn: conn}, nil
}

func (c *GRPCClient) Landmarks(ctx context.Context, f *frame.Frame) ([]Landmark, error) {
	resp, err := c.invoke(ctx, MethodExtractLandmarks, f, 0)
	if err != nil {
		return nil, err
	}

	var out []Landmark
	for _, v := range resp.GetFields()["landmarks"].GetListValue().GetValues() {
		p := v.GetStructValue().GetFields()
		out = append(out, Landmark{
			X: p["x"].GetNumberValue(),
			Y: p["y"].GetNumberValue(),
		})
	}
	return out, nil
}

func (c *GRPCClient) Detect(ctx context.Context, f *frame.Frame, conf float64) ([]Detection, error) {
	resp, err := c.invoke(ctx, MethodDetectObjects, f, conf)
	if err != nil {
		return nil, err
	}

	var dets []Detection
	for _, v := range resp.GetFields()["results"].GetListValue().GetValues() {
		r := v.GetStructValue().GetFields()
		loc := r["location"].GetStructValue().GetFields()
		l := Location{
			Left:   loc["left"].GetNumberValue(),
			Top:    loc["top"].GetNumberValue(),
			Width:  loc["width"].GetNumberValue(),
			Height: loc["height"].GetNumberValue(),
		}
		box, ok := l.ToPixels(f.Width, f.Height)
		if !ok {
			continue
		}
		dets = append(dets, Detection{
			Label:      r["label"].GetStringValue(),
			Confidence: r["score"].GetNumberValue(),
			Box:        box,
		})
	}
	return filter(dets, conf), nil
}

func (c *GRPCClient) invoke(ctx context.Context, method string, f *frame.Frame, conf float64) (*structpb.Struct, error) {
	jpg, err := f.JPEG(jpegQuality)
	if err != nil {
		return nil, err
	}

	req, err := structpb.NewStruct(map[string]interface{}{
		"image":      base64.StdEncoding.EncodeToString(jpg),
		"model_type": c.ModelType,
		"confidence": conf,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return nil, errors.Wrapf(err, "%s failed", method)
	}

	if errno := resp.GetFields()["errno"].GetNumberValue(); errno != 0 {
		return nil, errors.Errorf("inference failed: %s (errno: %d)",
			resp.GetFields()["err_msg"].GetStringValue(), int(errno))
	}
	return resp, nil
}

func (c *GRPCClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
